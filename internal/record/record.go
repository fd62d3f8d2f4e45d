// Package record defines the bookmark node model shared by the reconciliation
// engine, the local store, and the sync transport, plus the wire codec for
// record envelopes.
package record

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Kind is the closed set of record kinds the engine understands. Anything
// else on the wire (livemarks, microsummaries) parses as KindUnsupported and
// is skipped during reconciliation.
type Kind int

const (
	KindUnsupported Kind = iota
	KindBookmark
	KindFolder
	KindSeparator
	KindQuery
)

// ParseKind maps a wire type string to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "bookmark":
		return KindBookmark
	case "folder":
		return KindFolder
	case "separator":
		return KindSeparator
	case "query":
		return KindQuery
	default:
		return KindUnsupported
	}
}

func (k Kind) String() string {
	switch k {
	case KindBookmark:
		return "bookmark"
	case KindFolder:
		return "folder"
	case KindSeparator:
		return "separator"
	case KindQuery:
		return "query"
	default:
		return "unsupported"
	}
}

// Bookmark is one node of the tree: a bookmark, folder, separator, or query.
// Instances are transient — built from storage rows or remote payloads,
// mutated by reconciliation, then handed back to storage. Durable state
// lives in the store, never here.
type Bookmark struct {
	// GUID is the remote-stable identifier. Empty for brand-new local
	// records that have not been assigned one yet.
	GUID string

	// Ref is the local storage identifier, 0 until the record is
	// materialized locally. Ref 0 is reserved for the synthetic tree root.
	Ref int64

	Kind Kind

	// Denormalized parent linkage, kept consistent by the engine. The
	// authoritative parent lives in storage.
	ParentID   string
	ParentRef  int64
	ParentName string

	// Position is an ordering hint among siblings. Sign and magnitude are
	// advisory; abs(Position) is the effective rank.
	Position int64

	// Children holds the ordered child GUIDs. Only meaningful for folders.
	Children []string

	Title       string
	URL         string
	Description string
	Keyword     string
	Tags        []string

	// Deleted marks a tombstone. Tombstones carry no other payload and are
	// never reparented.
	Deleted bool

	// Modified is unix milliseconds, bumped whenever the engine changes
	// parentage or ordering so the change propagates on the next upload.
	Modified int64
}

// IsFolder reports whether the node can carry children.
func (b *Bookmark) IsFolder() bool {
	return b.Kind == KindFolder
}

// CanonicalString renders a kind-tagged identity string used for duplicate
// detection and log-safe record identity. Two records rendering identically
// are considered the same logical bookmark even under different GUIDs.
func (b *Bookmark) CanonicalString() string {
	parent := norm.NFC.String(b.ParentName) + "/"
	switch b.Kind {
	case KindBookmark:
		return "b" + parent + b.URL + ":" + norm.NFC.String(b.Title)
	case KindFolder:
		return "f" + parent + norm.NFC.String(b.Title)
	case KindSeparator:
		return "s" + parent + strconv.FormatInt(b.Position, 10)
	case KindQuery:
		return "q" + b.URL
	case KindUnsupported:
		return ""
	}
	return ""
}

// NewGUID returns a fresh 12-character URL-safe identifier (9 random bytes,
// unpadded base64), the format remote-stable ids use on the wire.
func NewGUID() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating guid: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
