// Package remote speaks to the sync server. The record transport is a
// WebSocket with JSON op envelopes; the reading-list service is a plain
// HTTP JSON API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	syncerrors "marksync/internal/errors"
	"marksync/internal/record"
)

const (
	// clientName identifies this client in the init handshake.
	clientName = "marksync/1"

	// initialReadLimit is the conservative WebSocket read limit set before
	// the handshake tells us the server's record size cap.
	initialReadLimit = 8 * 1024 * 1024

	// readLimitMultiplier scales the server's max record size to account
	// for envelope overhead when setting the post-handshake read limit.
	readLimitMultiplier = 2

	// minReadLimit is the floor for the post-handshake read limit.
	minReadLimit = 1024 * 1024

	// responseTimeout bounds each wait for a server frame.
	responseTimeout = 60 * time.Second

	// connectMaxElapsed caps the total time spent redialing before
	// Connect gives up.
	connectMaxElapsed = 2 * time.Minute

	// uploadBatchSize is the maximum number of records sent in a single
	// upload message.
	uploadBatchSize = 100
)

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Config holds the parameters needed to reach the sync server.
type Config struct {
	Host    string
	Account string
	KeyHash string
	Device  string
}

// Client is a batch record client: connect, fetch what changed, upload
// what changed locally, disconnect. It is not safe for concurrent use.
type Client struct {
	conn   wsConn
	logger *slog.Logger

	host    string
	account string
	keyHash string
	device  string
	session string

	maxRecordBytes int
}

// NewClient creates a record client from the given config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		logger:  logger,
		host:    cfg.Host,
		account: cfg.Account,
		keyHash: cfg.KeyHash,
		device:  cfg.Device,
	}
}

func newConnectBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return bo
}

// Connect dials the WebSocket and performs the init handshake, retrying
// transient dial failures with exponential backoff. An auth rejection is
// permanent and aborts the retry loop.
func (c *Client) Connect(ctx context.Context) error {
	bo := newConnectBackoff()

	return backoff.Retry(func() error {
		err := c.dial(ctx)
		if err != nil && errors.Is(err, syncerrors.ErrAuthFailed) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) dial(ctx context.Context) error {
	url := c.host
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}

	c.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{clientName},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return c.handshake(ctx, conn)
}

// handshake performs the post-dial init sequence. Extracted from dial so
// the auth logic can be tested with a mock wsConn without a real network
// connection.
func (c *Client) handshake(ctx context.Context, conn wsConn) error {
	c.conn = conn
	c.conn.SetReadLimit(initialReadLimit)
	c.session = uuid.NewString()

	init := InitMessage{
		Op:      "init",
		Account: c.account,
		KeyHash: c.keyHash,
		Device:  c.device,
		Session: c.session,
		Client:  clientName,
	}

	if err := c.writeJSON(ctx, init); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp InitResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init read failed")
		return fmt.Errorf("reading init response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		c.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", syncerrors.ErrAuthFailed, msg)
	}

	// Only tighten the read limit when the server sent a positive cap.
	if resp.MaxRecordBytes > 0 {
		c.maxRecordBytes = resp.MaxRecordBytes

		readLimit := int64(resp.MaxRecordBytes * readLimitMultiplier)
		if readLimit < minReadLimit {
			readLimit = minReadLimit
		}

		c.conn.SetReadLimit(readLimit)
	}

	c.logger.Info("sync server authenticated",
		slog.String("session", c.session),
		slog.Int("max_record_bytes", c.maxRecordBytes),
	)

	return nil
}

// Close shuts the connection down cleanly. Safe to call when the client
// never connected.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "done")
	c.conn = nil

	if err != nil {
		return fmt.Errorf("closing websocket: %w", err)
	}

	return nil
}

// Fetch asks the server for every record in a collection modified after
// since, and reads streamed rec frames until the server sends done. It
// returns the records along with the server's modified watermark.
func (c *Client) Fetch(ctx context.Context, collection string, since int64) ([]record.Envelope, int64, error) {
	if c.conn == nil {
		return nil, 0, syncerrors.ErrNotConnected
	}

	req := FetchMessage{Op: "fetch", Collection: collection, Since: since}
	if err := c.writeJSON(ctx, req); err != nil {
		return nil, 0, fmt.Errorf("sending fetch: %w", err)
	}

	var records []record.Envelope

	for {
		doc, err := c.nextMessage(ctx)
		if err != nil {
			return nil, 0, err
		}

		switch op := doc.Get("op").String(); op {
		case "rec":
			if got := doc.Get("collection").String(); got != collection {
				c.logger.Debug("record for wrong collection", slog.String("collection", got))
				continue
			}

			env, err := record.ParseEnvelope([]byte(doc.Get("record").Raw))
			if err != nil {
				c.logger.Warn("skipping malformed record", slog.String("error", err.Error()))
				continue
			}

			records = append(records, env)

		case "done":
			modified := doc.Get("modified").Int()
			c.logger.Debug("fetch complete",
				slog.String("collection", collection),
				slog.Int("records", len(records)),
				slog.Int64("modified", modified),
			)

			return records, modified, nil

		case "error":
			return nil, 0, fmt.Errorf("%w: %s", syncerrors.ErrServerRequest, doc.Get("msg").String())

		default:
			c.logger.Debug("unexpected message during fetch", slog.String("op", op))
		}
	}
}

// Upload sends outgoing records for a collection in batches and returns
// the ids the server accepted plus its modified watermark. Records the
// server did not acknowledge are simply absent from the returned ids.
func (c *Client) Upload(ctx context.Context, collection string, records []UploadRecord) ([]string, int64, error) {
	if c.conn == nil {
		return nil, 0, syncerrors.ErrNotConnected
	}

	var (
		accepted []string
		modified int64
	)

	for len(records) > 0 {
		batch := records
		if len(batch) > uploadBatchSize {
			batch = batch[:uploadBatchSize]
		}

		records = records[len(batch):]

		msg := UploadMessage{Op: "upload", Collection: collection, Records: batch}
		if err := c.writeJSON(ctx, msg); err != nil {
			return accepted, modified, fmt.Errorf("sending upload: %w", err)
		}

		ids, mod, err := c.readAccepted(ctx)
		if err != nil {
			return accepted, modified, err
		}

		accepted = append(accepted, ids...)
		if mod > modified {
			modified = mod
		}
	}

	c.logger.Debug("upload complete",
		slog.String("collection", collection),
		slog.Int("accepted", len(accepted)),
	)

	return accepted, modified, nil
}

// readAccepted waits for the server's acknowledgement of one upload batch.
func (c *Client) readAccepted(ctx context.Context) ([]string, int64, error) {
	for {
		doc, err := c.nextMessage(ctx)
		if err != nil {
			return nil, 0, err
		}

		switch op := doc.Get("op").String(); op {
		case "accepted":
			var ids []string
			for _, id := range doc.Get("ids").Array() {
				ids = append(ids, id.String())
			}

			return ids, doc.Get("modified").Int(), nil

		case "error":
			return nil, 0, fmt.Errorf("%w: %s", syncerrors.ErrServerRequest, doc.Get("msg").String())

		default:
			c.logger.Debug("unexpected message during upload", slog.String("op", op))
		}
	}
}

// nextMessage reads frames until a parseable JSON text frame arrives,
// answering server pings along the way. Each wait is bounded by
// responseTimeout.
func (c *Client) nextMessage(ctx context.Context) (gjson.Result, error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, responseTimeout)
		typ, data, err := c.conn.Read(readCtx)
		cancel()

		if err != nil {
			return gjson.Result{}, fmt.Errorf("reading message: %w", err)
		}

		if typ == websocket.MessageBinary {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if !gjson.ValidBytes(data) {
			c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
			continue
		}

		doc := gjson.ParseBytes(data)

		if doc.Get("op").String() == "ping" {
			if err := c.writeJSON(ctx, map[string]string{"op": "pong"}); err != nil {
				return gjson.Result{}, fmt.Errorf("sending pong: %w", err)
			}

			continue
		}

		return doc, nil
	}
}

// writeJSON marshals v to JSON and writes it as a text frame.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during the handshake, before any op dispatch is needed.
func (c *Client) readJSON(ctx context.Context, v any) error {
	readCtx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()

	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	return json.Unmarshal(data, v)
}
