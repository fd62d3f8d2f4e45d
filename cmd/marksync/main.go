package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marksync/internal/bookmarks"
	"marksync/internal/config"
	"marksync/internal/keys"
	"marksync/internal/logging"
	"marksync/internal/readinglist"
	"marksync/internal/remote"
	"marksync/internal/storage"
	"marksync/internal/syncer"
	"marksync/internal/tracker"
	"marksync/internal/watch"
)

var Version = "dev"

func main() {
	// Handle subcommands before the daemon path.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "key-hash":
			printKeyHash()
			return
		case "reset":
			if err := resetSyncState(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printKeyHash derives the handshake hash for an account so a server
// operator can provision it without ever seeing the secret.
func printKeyHash() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: marksync key-hash <account>")
		os.Exit(1)
	}

	fmt.Fprint(os.Stderr, "Enter secret: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	bundle, err := keys.NewBundle(scanner.Text(), os.Args[2], syncer.Collection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(bundle.KeyHash())
}

// resetSyncState drops every clean mark and rewinds both cursors, forcing
// the next pass to re-download and re-upload everything and reconverge
// from scratch.
func resetSyncState() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tk, err := tracker.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening sync state: %w", err)
	}
	defer tk.Close()

	if err := tk.DropAll(); err != nil {
		return fmt.Errorf("dropping clean marks: %w", err)
	}
	for _, cursor := range []string{syncer.Collection, syncer.LocalCursor} {
		if err := tk.SetLastSync(cursor, 0); err != nil {
			return fmt.Errorf("rewinding %s cursor: %w", cursor, err)
		}
	}

	fmt.Println("sync state reset; the next pass runs a full sync")
	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	logger.Info("marksync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("bookmarks", cfg.EnableBookmarks),
		slog.Bool("reading_list", cfg.EnableReadingList),
		slog.Bool("daemon", cfg.Daemon()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSync(ctx, cfg, logger)
}

// runSync wires the stores, keys, and clients, then drives sync passes
// until the context ends. With no interval configured it runs one pass
// and exits.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening places database: %w", err)
	}
	defer store.Close()

	var syncBookmarks func(context.Context) error
	if cfg.EnableBookmarks {
		tk, err := tracker.Open(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("opening sync state: %w", err)
		}
		defer tk.Close()

		bundle, err := keys.NewBundle(cfg.Secret, cfg.Account, syncer.Collection)
		if err != nil {
			return fmt.Errorf("deriving keys: %w", err)
		}

		device, err := deviceID(tk, logger)
		if err != nil {
			return err
		}

		client := remote.NewClient(remote.Config{
			Host:    cfg.Server,
			Account: cfg.Account,
			KeyHash: bundle.KeyHash(),
			Device:  device,
		}, logger)

		engine := syncer.NewSyncer(client, store, tk, bundle, logger, bookmarks.Options{
			InsertThreshold: cfg.InsertFlushThreshold,
			DeleteThreshold: cfg.DeleteFlushThreshold,
		})

		syncBookmarks = func(ctx context.Context) error {
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to sync server: %w", err)
			}
			defer client.Close()

			_, err := engine.RunOnce(ctx)

			return err
		}
	}

	var syncReadingList func(context.Context) error
	if cfg.EnableReadingList {
		rlStore, err := readinglist.NewStore(store.DB())
		if err != nil {
			return fmt.Errorf("opening reading list store: %w", err)
		}

		rlClient := remote.NewReadingListClient(cfg.ReadingListURL, cfg.Account, nil)
		rlSync := readinglist.NewSynchronizer(rlClient, rlStore, logger)

		syncReadingList = func(ctx context.Context) error {
			if _, err := rlSync.Sync(ctx); err != nil {
				return fmt.Errorf("syncing reading list: %w", err)
			}

			return nil
		}
	}

	pass := func(ctx context.Context) error {
		if syncBookmarks != nil {
			if err := syncBookmarks(ctx); err != nil {
				return err
			}
		}
		if syncReadingList != nil {
			if err := syncReadingList(ctx); err != nil {
				return err
			}
		}

		return nil
	}

	if !cfg.Daemon() {
		return pass(ctx)
	}

	return runDaemon(ctx, cfg, logger, pass)
}

// runDaemon repeats sync passes on the configured interval, with extra
// passes whenever the database watcher reports a change. A failed pass is
// logged and retried on the next trigger rather than killing the daemon.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, pass func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	var changed <-chan struct{}
	if cfg.WatchDatabase {
		watcher := watch.NewWatcher(cfg.DatabasePath, logger)
		changed = watcher.Changed()

		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()

		for {
			if err := pass(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error("sync pass failed", slog.String("error", err.Error()))
			}

			// Absorb a change signal our own writes raised while the
			// pass ran.
			select {
			case <-changed:
			default:
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			case <-changed:
				logger.Info("database changed, syncing early")
			}
		}
	})

	return g.Wait()
}

// deviceID returns the identifier this install presents to the sync
// server, minting and storing one on first run.
func deviceID(tk *tracker.Tracker, logger *slog.Logger) (string, error) {
	id, err := tk.DeviceID()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := tk.SetDeviceID(id); err != nil {
		return "", fmt.Errorf("saving device id: %w", err)
	}
	logger.Info("registered new device id", slog.String("id", id))

	return id, nil
}
