// Package wal implements the write-ahead log append and the fencing
// token store. Appends are best-effort: callers log failures rather
// than propagate them, except where a component (budget fail-closed)
// says otherwise. Fencing tokens are monotonic per namespace and
// advanced only via CAS.
//
// Grounded on the Lua-script check-then-mutate pattern
// (internal/ledger/ledger.go's checkAndReserveScript): here the same
// "read current, verify, write new" atomicity is expressed as an
// in-process mutex-guarded CAS instead of a Redis script, since the WAL
// store here is a local append-only file rather than shared Redis state.
package wal

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// Entry is one WAL record.
type Entry struct {
	EntryID   int64     `json:"entry_id"`
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	Operation string    `json:"operation"`
	Key       string    `json:"key"`
	Payload   any       `json:"payload,omitempty"`
}

// WAL is an append-only log backed by a single file, with a monotonic
// entry_id counter.
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	nextID   int64
}

// Open opens (creating if absent) the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "wal: failed to open file", err)
	}
	w := &WAL{path: path, file: f}

	if fi, err := f.Stat(); err == nil {
		w.nextID = countLines(path, fi.Size()) + 1
	}
	return w, nil
}

func countLines(path string, size int64) int64 {
	if size == 0 {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var n int64
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

// Append writes entry, assigning it the next monotonic entry_id.
func (w *WAL) Append(namespace, operation, key string, payload any) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	entry := Entry{
		EntryID: id, Timestamp: time.Now().UTC(),
		Namespace: namespace, Operation: operation, Key: key, Payload: payload,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.CodeInternal, "wal: marshal failed", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.CodeInternal, "wal: write failed", err)
	}

	w.nextID++
	return id, nil
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// MaxSafeFenceToken mirrors pricing.MaxSafeInteger — fencing tokens live
// in the same 2^53-1 safe-integer domain.
const MaxSafeFenceToken = (int64(1) << 53) - 1

// CASResult is the outcome of FenceStore.Advance.
type CASResult string

const (
	CASOk      CASResult = "OK"
	CASStale   CASResult = "STALE"
	CASCorrupt CASResult = "CORRUPT"
)

// FenceStore tracks "last accepted" fencing tokens per environment
// namespace, advancing only via CAS.
type FenceStore struct {
	mu     sync.Mutex
	counters map[string]int64 // namespace -> issued counter
	lastAccepted map[string]int64
}

// NewFenceStore constructs an empty FenceStore.
func NewFenceStore() *FenceStore {
	return &FenceStore{
		counters:     make(map[string]int64),
		lastAccepted: make(map[string]int64),
	}
}

// Acquire issues the next fencing token for namespace by incrementing its
// counter. Fails if the issued token would exceed MaxSafeFenceToken.
func (s *FenceStore) Acquire(namespace string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.counters[namespace] + 1
	if next > MaxSafeFenceToken {
		return 0, gatewayerr.New(gatewayerr.CodeFencingCorrupt, "fencing token would exceed safe integer bound at issuance").
			WithContext("namespace", namespace)
	}
	s.counters[namespace] = next
	return next, nil
}

// Advance performs the CAS: strictly-greater token → OK (and becomes the
// new last-accepted); equal or lower → STALE; invalid token → CORRUPT.
func (s *FenceStore) Advance(namespace string, token int64) CASResult {
	if token < 0 || token > MaxSafeFenceToken {
		return CASCorrupt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastAccepted[namespace]
	if token <= last {
		return CASStale
	}
	s.lastAccepted[namespace] = token
	return CASOk
}

// LastAccepted returns namespace's current last-accepted token.
func (s *FenceStore) LastAccepted(namespace string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccepted[namespace]
}
