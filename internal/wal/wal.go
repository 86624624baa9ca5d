// Package wal implements the append-only durability log: one canonical JSON
// line per record, fsync after every append, deterministic replay by file
// offset. A failed fsync is fatal to the caller — the process must halt.
package wal

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordType enumerates the durable record kinds. PAPER entries are never
// written to the WAL; ORDER_INTENT and CANCEL_INTENT exist for LIVE only.
type RecordType string

const (
	RecordStateChanged       RecordType = "STATE_CHANGED"
	RecordOrderIntent        RecordType = "ORDER_INTENT"
	RecordOrderIntentAborted RecordType = "ORDER_INTENT_ABORTED"
	RecordOrderResult        RecordType = "ORDER_RESULT"
	RecordCancelIntent       RecordType = "CANCEL_INTENT"
	RecordCancelResult       RecordType = "CANCEL_RESULT"
)

// Valid reports whether rt is a known record type.
func (rt RecordType) Valid() bool {
	switch rt {
	case RecordStateChanged, RecordOrderIntent, RecordOrderIntentAborted,
		RecordOrderResult, RecordCancelIntent, RecordCancelResult:
		return true
	}
	return false
}

// ErrSync marks a WAL write or fsync failure. The caller must treat it as a
// halt condition.
var ErrSync = errors.New("wal: sync failed")

// Record is one WAL line. Field order is fixed by the struct so the encoded
// line is deterministic for a given payload.
type Record struct {
	EventID string         `json:"event_id"`
	Type    RecordType     `json:"record_type"`
	TS      time.Time      `json:"ts_utc"`
	Payload map[string]any `json:"payload"`

	// PayloadHash is derived from the encoded line, not stored in it.
	PayloadHash []byte `json:"-"`
	Offset      int    `json:"-"`
}

// Writer appends records to a single WAL file. Writes are serialized by a
// file-level mutex; there is exactly one writer per file.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (or creates) the WAL file for appending, mode 0640.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("wal.Open: mkdir %q: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: open %q: %w", path, err)
	}
	return &Writer{path: path, f: f}, nil
}

// Append writes one record and fsyncs. Returns the full record including the
// payload hash used for event-log dedup. Any I/O failure wraps ErrSync.
func (w *Writer) Append(rt RecordType, payload map[string]any) (Record, error) {
	if !rt.Valid() {
		return Record{}, fmt.Errorf("wal.Append: invalid record type %q", rt)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return Record{}, fmt.Errorf("wal.Append: %w: writer closed", ErrSync)
	}

	rec := Record{
		EventID: uuid.NewString(),
		Type:    rt,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("wal.Append: encode: %w", err)
	}
	line = append(line, '\n')
	rec.PayloadHash = lineHash(rec)

	if _, err := w.f.Write(line); err != nil {
		return Record{}, fmt.Errorf("wal.Append: write: %w: %v", ErrSync, err)
	}
	if err := w.f.Sync(); err != nil {
		return Record{}, fmt.Errorf("wal.Append: fsync: %w: %v", ErrSync, err)
	}
	return rec, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// lineHash is the dedup key for the event log: SHA-256 over the canonical
// identity triple of the record.
func lineHash(rec Record) []byte {
	canonical, _ := json.Marshal(map[string]any{
		"event_id":    rec.EventID,
		"payload":     rec.Payload,
		"record_type": rec.Type,
	})
	h := sha256.Sum256(canonical)
	return h[:]
}

// ReadAll reads every record in offset order. A missing file yields an empty
// slice; a corrupt line is fatal (the WAL is the source of truth on replay).
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal.ReadAll: open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("wal.ReadAll: corrupt record at line %d: %w", lineNum, err)
		}
		rec.Offset = lineNum
		rec.PayloadHash = lineHash(rec)
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wal.ReadAll: scan: %w", err)
	}
	return records, nil
}
