package session

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/progress"
)

// SnapshotVersion is the current snapshot record version.
const SnapshotVersion = 1

// maxSnapshotBytes caps decompressed snapshot size (64 MB).
const maxSnapshotBytes = 64 << 20

// Record is the serialized form of a session. Fields written by newer
// versions of the engine are preserved through a load/save round-trip
// via the extra map.
type Record struct {
	Version     int                  `json:"version"`
	ID          string               `json:"id"`
	Owner       string               `json:"owner"`
	Status      Status               `json:"status"`
	FailReason  FailReason           `json:"fail_reason,omitempty"`
	Answer      string               `json:"answer,omitempty"`
	Config      Config               `json:"config"`
	Entries     []conversation.Entry `json:"entries"`
	ProgressLog []progress.Update    `json:"progress_log,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`

	extra map[string]json.RawMessage
}

// knownRecordKeys mirrors the JSON tags above; anything else round-trips
// through extra.
var knownRecordKeys = map[string]bool{
	"version": true, "id": true, "owner": true, "status": true,
	"fail_reason": true, "answer": true, "config": true,
	"entries": true, "progress_log": true, "created_at": true,
}

type recordAlias Record

// UnmarshalJSON decodes known fields and stashes unknown ones.
func (r *Record) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*recordAlias)(r)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownRecordKeys[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// MarshalJSON emits known fields plus any preserved unknown ones.
// Known fields win on key collision.
func (r Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, val := range r.extra {
		if _, taken := merged[key]; !taken {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}

// Snapshot serializes the session as a gzip-compressed versioned JSON
// record.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	rec := Record{
		Version:     SnapshotVersion,
		ID:          s.ID,
		Owner:       s.Owner,
		Status:      s.status,
		FailReason:  s.failReason,
		Answer:      s.answer,
		Config:      s.config,
		Entries:     s.store.Entries(),
		ProgressLog: s.progressCh.Log(),
		CreatedAt:   s.createdAt,
	}
	rec.extra = s.snapshotExtra
	s.mu.Unlock()
	return EncodeRecord(&rec)
}

// EncodeRecord compresses a record for storage.
func EncodeRecord(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord decompresses and parses a snapshot.
func DecodeRecord(data []byte) (*Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer gz.Close()
	payload, err := io.ReadAll(io.LimitReader(gz, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if rec.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", rec.Version)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("snapshot missing session id")
	}
	return &rec, nil
}

// Restore rebuilds a live session from a snapshot record and registers
// it with the manager under its original ID. Terminal sessions come
// back terminal; a Running session resumes from its recorded history.
func (m *Manager) Restore(rec *Record) (*Session, error) {
	if err := rec.Config.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}

	s := newSession(rec.ID, rec.Owner, rec.Config, progress.NewChannel(m.popts.BufferSize, m.popts.Overflow))
	s.store.Restore(rec.Entries)
	s.progressCh.RestoreLog(rec.ProgressLog)
	s.status = rec.Status
	s.failReason = rec.FailReason
	s.answer = rec.Answer
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	if s.status.Terminal() {
		s.cancel()
	}
	s.snapshotExtra = rec.extra

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already live", s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session restored", "session", s.ID, "owner", s.Owner, "status", s.status)
	return s, nil
}
