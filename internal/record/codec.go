package record

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is returned when a record body is not valid JSON or is
// missing its identifier.
var ErrMalformedPayload = errors.New("malformed record payload")

// Envelope is the outer wire object for one synced record. Payload is a JSON
// document (cleartext or a sealed envelope, depending on the collection's
// crypto settings) carried as a string.
type Envelope struct {
	ID       string `json:"id"`
	Modified int64  `json:"modified,omitempty"`
	Payload  string `json:"payload"`
}

// ParseEnvelope decodes the outer envelope of a synced record.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("envelope: %w", ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(raw)
	env := Envelope{
		ID:       doc.Get("id").String(),
		Modified: doc.Get("modified").Int(),
		Payload:  doc.Get("payload").String(),
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("envelope without id: %w", ErrMalformedPayload)
	}
	return env, nil
}

// payloadJSON is the cleartext body of a bookmark record.
type payloadJSON struct {
	ID          string   `json:"id"`
	Deleted     bool     `json:"deleted,omitempty"`
	Type        string   `json:"type,omitempty"`
	Title       string   `json:"title,omitempty"`
	URI         string   `json:"bmkUri,omitempty"`
	Description string   `json:"description,omitempty"`
	Keyword     string   `json:"keyword,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ParentID    string   `json:"parentid,omitempty"`
	ParentName  string   `json:"parentName,omitempty"`
	Children    []string `json:"children,omitempty"`
	Position    int64    `json:"pos,omitempty"`
}

// DecodePayload parses a cleartext record body into a Bookmark. Tombstones
// decode to a node with Deleted set and no other payload.
func DecodePayload(data []byte) (*Bookmark, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedPayload
	}
	doc := gjson.ParseBytes(data)
	b := &Bookmark{
		GUID:    doc.Get("id").String(),
		Deleted: doc.Get("deleted").Bool(),
	}
	if b.Deleted {
		return b, nil
	}
	b.Kind = ParseKind(doc.Get("type").String())
	b.Title = doc.Get("title").String()
	b.URL = doc.Get("bmkUri").String()
	b.Description = doc.Get("description").String()
	b.Keyword = doc.Get("keyword").String()
	b.ParentID = doc.Get("parentid").String()
	b.ParentName = doc.Get("parentName").String()
	b.Position = doc.Get("pos").Int()
	if tags := doc.Get("tags"); tags.IsArray() {
		for _, t := range tags.Array() {
			b.Tags = append(b.Tags, t.String())
		}
	}
	if children := doc.Get("children"); children.IsArray() {
		for _, c := range children.Array() {
			b.Children = append(b.Children, c.String())
		}
	}
	return b, nil
}

// EncodePayload renders the cleartext body for a Bookmark. Tombstones encode
// as {id, deleted} only.
func EncodePayload(b *Bookmark) ([]byte, error) {
	p := payloadJSON{ID: b.GUID, Deleted: b.Deleted}
	if !b.Deleted {
		p.Type = b.Kind.String()
		p.Title = b.Title
		p.URI = b.URL
		p.Description = b.Description
		p.Keyword = b.Keyword
		p.Tags = b.Tags
		p.ParentID = b.ParentID
		p.ParentName = b.ParentName
		if b.IsFolder() {
			p.Children = b.Children
		}
		if b.Kind == KindSeparator {
			p.Position = b.Position
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", b.GUID, err)
	}
	return data, nil
}
