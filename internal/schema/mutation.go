package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	// StatusPending means the mutation is eligible for the next sync pass.
	StatusPending Status = "pending"

	// StatusSyncing means a sync pass is currently submitting the mutation.
	StatusSyncing Status = "syncing"

	// StatusConflict means the remote authority rejected the mutation because
	// the underlying record diverged. Conflicted mutations are excluded from
	// sync passes until resolved.
	StatusConflict Status = "conflict"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusConflict:
		return true
	default:
		return false
	}
}

// Conflict captures the remote side of a rejected mutation.
//
// Remote is the authoritative record snapshot the server returned, kept
// verbatim so the UI can show the user exactly what they would be accepting.
// A conflict is never discarded silently; it stays attached to the mutation
// until an explicit resolution action removes or retries it.
type Conflict struct {
	// Remote is the authoritative snapshot of the record as the server sees it.
	Remote json.RawMessage `json:"remote"`

	// Reason is the server-supplied explanation for the rejection.
	Reason string `json:"reason"`
}

// Mutation represents a single queued edit to a board item.
//
// The structure is flat and JSON-friendly so the same shape serves the
// durable store, the spool files, and the dashboard wire format.
type Mutation struct {
	// ===== Identity =====

	// ID is assigned at enqueue time and stable for the mutation's lifetime.
	ID string `json:"id"`

	// BoardID and View form the composite queue key. A board may have several
	// concurrently-synced view queues (kanban, calendar, ...), each independent.
	BoardID string `json:"board_id"`
	View    string `json:"view"`

	// ===== Edit =====

	// ItemID is the target record on the board.
	ItemID string `json:"item_id"`

	// Payload is the tagged edit description, opaque to the queue.
	// See EditPayload for the conventional shape.
	Payload json.RawMessage `json:"payload"`

	// BaseVersion is the revision of the target record the client believed
	// was current when the edit was made. The remote authority uses it for
	// optimistic-concurrency detection.
	BaseVersion int64 `json:"base_version"`

	// ===== Sync bookkeeping =====

	Status Status `json:"status"`

	// Conflict is present only when Status is StatusConflict.
	Conflict *Conflict `json:"conflict,omitempty"`

	// Attempts counts sync attempts. It is monotonically increasing and never
	// causes automatic abandonment; abandonment is a resolver policy decision.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EditPayload is the conventional payload shape produced by the UI layer.
// The queue never inspects it; it exists so producers and syncers agree.
type EditPayload struct {
	Type    string         `json:"type"` // update, move, delete
	Field   string         `json:"field,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// Encode marshals the payload for use as Mutation.Payload.
func (p *EditPayload) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal edit payload: %w", err)
	}
	return data, nil
}

// Validate checks that the mutation has the fields the queue requires.
func (m *Mutation) Validate() error {
	if m.BoardID == "" {
		return fmt.Errorf("board_id is required")
	}
	if m.View == "" {
		return fmt.Errorf("view is required")
	}
	if m.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if m.BaseVersion < 0 {
		return fmt.Errorf("base_version must not be negative (got %d)", m.BaseVersion)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	if m.Status == StatusConflict && m.Conflict == nil {
		return fmt.Errorf("conflict details are required when status is %q", StatusConflict)
	}
	if m.Status != StatusConflict && m.Conflict != nil {
		return fmt.Errorf("conflict details are only allowed when status is %q", StatusConflict)
	}
	return nil
}

// QueueKey identifies one (board, view) queue.
type QueueKey struct {
	BoardID string `json:"board_id"`
	View    string `json:"view"`
}

// String renders the key as board/view for logging.
func (k QueueKey) String() string {
	return k.BoardID + "/" + k.View
}

// Filename returns the canonical spool filename for this mutation.
func (m *Mutation) Filename() string {
	return fmt.Sprintf("%s.json", m.ID)
}

// ReadMutationFile reads and parses a mutation JSON file from the given path.
// The mutation is validated before being returned.
func ReadMutationFile(path string) (*Mutation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteMutationFile writes a mutation to dir as a single JSON document.
//
// The payload is opaque bytes, so the document is written compact with HTML
// escaping off: a compact payload round-trips byte for byte through the
// spool. Indented output would rewrite the embedded payload.
//
// The write goes through a temp file and rename so spool consumers never
// observe a half-written mutation.
func WriteMutationFile(dir string, m *Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid mutation: %w", err)
	}
	if m.ID == "" {
		return fmt.Errorf("cannot write mutation without id")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}
	data := buf.Bytes()

	path := filepath.Join(dir, m.Filename())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadAllMutationFiles reads every mutation file from dir.
// Invalid files are skipped with a warning to stderr so one bad drop
// never blocks the rest of the spool.
func ReadAllMutationFiles(dir string) ([]*Mutation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Mutation{}, nil // Empty spool is valid
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var mutations []*Mutation
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		m, err := ReadMutationFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid mutation file %s: %v\n", entry.Name(), err)
			continue
		}

		mutations = append(mutations, m)
	}

	return mutations, nil
}

// SetDefaults applies default values for optional fields.
func (m *Mutation) SetDefaults() {
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
}
