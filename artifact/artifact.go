// Package artifact persists oversized payloads outside the model-visible
// transcript. Artifacts are write-once: a stored id always yields the exact
// bytes first written under it.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when an artifact id has never been written.
	ErrNotFound = errors.New("artifact not found")

	// ErrConflict is returned when an id is rewritten with different bytes.
	ErrConflict = errors.New("artifact already exists with different content")

	// ErrInvalidID is returned for ids that are empty or unsafe as file names.
	ErrInvalidID = errors.New("invalid artifact id")
)

// IDPrefix prefixes content-derived artifact ids.
const IDPrefix = "art_"

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Meta describes a stored artifact. The payload itself is only reachable
// through Store.Get.
type Meta struct {
	ID          string    `json:"id"`
	Size        int       `json:"size"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
	Summary     string    `json:"summary,omitempty"`
	Title       string    `json:"title,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Pointer returns the transcript-facing reference to this artifact.
func (m Meta) Pointer() Pointer {
	return Pointer{ID: m.ID, Size: m.Size, Summary: m.Summary}
}

// HasTag reports whether the artifact carries tag.
func (m Meta) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Pointer is what enters the transcript in place of a payload.
type Pointer struct {
	ID      string `json:"id"`
	Size    int    `json:"size"`
	Summary string `json:"summary,omitempty"`
}

// Filter selects artifacts in List. Zero fields match everything.
type Filter struct {
	ToolName  string
	Tag       string
	SourceURL string
	SessionID string
	Limit     int
}

func (f Filter) matches(m Meta) bool {
	if f.ToolName != "" && m.ToolName != f.ToolName {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if f.SourceURL != "" && !strings.Contains(m.SourceURL, f.SourceURL) {
		return false
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	return true
}

// Stats summarizes a store.
type Stats struct {
	Count      int `json:"count"`
	TotalBytes int `json:"total_bytes"`
}

// Store is a write-once artifact store safe for concurrent use.
//
// Put with an empty meta.ID derives the id from the content hash. Writing an
// id that already exists is a no-op when the bytes match and ErrConflict
// otherwise; in both cases the stored Meta is left untouched.
type Store interface {
	Put(content []byte, meta Meta) (Meta, error)
	Get(id string) ([]byte, error)
	Stat(id string) (Meta, error)
	List(filter Filter) ([]Meta, error)
	Stats() (Stats, error)
}

// ContentID returns the content-derived id for content.
func ContentID(content []byte) string {
	sum := sha256.Sum256(content)
	return IDPrefix + hex.EncodeToString(sum[:])[:24]
}

// ValidateID checks that id is usable as a storage key.
func ValidateID(id string) error {
	if !validID.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// prepare fills the derived fields of meta for content.
func prepare(content []byte, meta Meta, now time.Time) (Meta, error) {
	if meta.ID == "" {
		meta.ID = ContentID(content)
	}
	if err := ValidateID(meta.ID); err != nil {
		return Meta{}, err
	}
	sum := sha256.Sum256(content)
	meta.SHA256 = hex.EncodeToString(sum[:])
	meta.Size = len(content)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now.UTC()
	}
	if len(meta.Tags) > 0 {
		meta.Tags = append([]string(nil), meta.Tags...)
	}
	return meta, nil
}

// reconcile applies the write-once rule against an existing entry.
func reconcile(existing, incoming Meta) (Meta, error) {
	if existing.SHA256 == incoming.SHA256 {
		return existing, nil
	}
	return Meta{}, fmt.Errorf("%w: %s", ErrConflict, incoming.ID)
}

func applyLimit(out []Meta, limit int) []Meta {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}
