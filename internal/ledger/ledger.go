// Package ledger implements a per-tenant append-only cost ledger. Every
// invocation that completes is recorded here as a newline-delimited JSON
// LedgerEntryV2, CRC32-checksummed, rotated by size or age, and lazily
// re-scannable for reconciliation.
//
// The constructor shape (connection setup + background worker pool +
// logger) and the async-write-queue pattern are carried over from
// internal/ledger/ledger.go's prior Redis/PostgreSQL grain-ledger
// form, which this package supersedes as the source of cost truth; that
// prior mechanism is now repurposed by internal/ensemble for atomic
// branch reservations instead.
package ledger

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hounfour/gateway/internal/gatewayerr"
)

// BillingMethod enumerates how a cost was derived.
type BillingMethod string

const (
	BillingProviderReported BillingMethod = "provider_reported"
	BillingReconciled       BillingMethod = "reconciled"
	BillingNativeRuntime    BillingMethod = "native_runtime"
)

// Entry is LedgerEntryV2. Cost fields are int64 micro-USD in memory and
// tagged json:"-"; the on-disk form (entryWire, built by toWire) renders
// them as decimal strings of non-negative integers.
type Entry struct {
	SchemaVersion    int           `json:"schema_version"`
	Timestamp        time.Time     `json:"timestamp"`
	TraceID          string        `json:"trace_id"`
	Agent            string        `json:"agent"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	ProjectID        string        `json:"project_id"`
	PhaseID          string        `json:"phase_id,omitempty"`
	SprintID         string        `json:"sprint_id,omitempty"`
	TenantID         string        `json:"tenant_id"`
	NFTID            string        `json:"nft_id,omitempty"`
	PoolID           string        `json:"pool_id,omitempty"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	ReasoningTokens  int64         `json:"reasoning_tokens"`
	InputCostMicro   int64         `json:"-"`
	OutputCostMicro  int64         `json:"-"`
	ReasoningCostMicro int64       `json:"-"`
	TotalCostMicro   int64         `json:"-"`
	PriceTableVersion int          `json:"price_table_version"`
	BillingMethod    BillingMethod `json:"billing_method"`
	LatencyMs        int64         `json:"latency_ms"`
	CRC32            uint32        `json:"crc32"`
}

// entryWire is the on-disk JSON shape: cost fields as decimal strings.
type entryWire struct {
	SchemaVersion      int           `json:"schema_version"`
	Timestamp          time.Time     `json:"timestamp"`
	TraceID            string        `json:"trace_id"`
	Agent              string        `json:"agent"`
	Provider           string        `json:"provider"`
	Model              string        `json:"model"`
	ProjectID          string        `json:"project_id"`
	PhaseID            string        `json:"phase_id,omitempty"`
	SprintID           string        `json:"sprint_id,omitempty"`
	TenantID           string        `json:"tenant_id"`
	NFTID              string        `json:"nft_id,omitempty"`
	PoolID             string        `json:"pool_id,omitempty"`
	PromptTokens       int64         `json:"prompt_tokens"`
	CompletionTokens   int64         `json:"completion_tokens"`
	ReasoningTokens    int64         `json:"reasoning_tokens"`
	InputCostMicro     string        `json:"input_cost_micro"`
	OutputCostMicro    string        `json:"output_cost_micro"`
	ReasoningCostMicro string        `json:"reasoning_cost_micro"`
	TotalCostMicro     string        `json:"total_cost_micro"`
	PriceTableVersion  int           `json:"price_table_version"`
	BillingMethod      BillingMethod `json:"billing_method"`
	LatencyMs          int64         `json:"latency_ms"`
	CRC32              uint32        `json:"crc32"`
}

func (e Entry) toWire() entryWire {
	return entryWire{
		SchemaVersion: e.SchemaVersion, Timestamp: e.Timestamp, TraceID: e.TraceID,
		Agent: e.Agent, Provider: e.Provider, Model: e.Model,
		ProjectID: e.ProjectID, PhaseID: e.PhaseID, SprintID: e.SprintID,
		TenantID: e.TenantID, NFTID: e.NFTID, PoolID: e.PoolID,
		PromptTokens: e.PromptTokens, CompletionTokens: e.CompletionTokens, ReasoningTokens: e.ReasoningTokens,
		InputCostMicro:     fmt.Sprintf("%d", e.InputCostMicro),
		OutputCostMicro:    fmt.Sprintf("%d", e.OutputCostMicro),
		ReasoningCostMicro: fmt.Sprintf("%d", e.ReasoningCostMicro),
		TotalCostMicro:     fmt.Sprintf("%d", e.TotalCostMicro),
		PriceTableVersion:  e.PriceTableVersion,
		BillingMethod:      e.BillingMethod,
		LatencyMs:          e.LatencyMs,
		CRC32:              e.CRC32,
	}
}

func (w entryWire) toEntry() (Entry, error) {
	parse := func(s string) (int64, error) {
		var v int64
		_, err := fmt.Sscanf(s, "%d", &v)
		return v, err
	}
	in, err := parse(w.InputCostMicro)
	if err != nil {
		return Entry{}, err
	}
	out, err := parse(w.OutputCostMicro)
	if err != nil {
		return Entry{}, err
	}
	reasoning, err := parse(w.ReasoningCostMicro)
	if err != nil {
		return Entry{}, err
	}
	total, err := parse(w.TotalCostMicro)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		SchemaVersion: w.SchemaVersion, Timestamp: w.Timestamp, TraceID: w.TraceID,
		Agent: w.Agent, Provider: w.Provider, Model: w.Model,
		ProjectID: w.ProjectID, PhaseID: w.PhaseID, SprintID: w.SprintID,
		TenantID: w.TenantID, NFTID: w.NFTID, PoolID: w.PoolID,
		PromptTokens: w.PromptTokens, CompletionTokens: w.CompletionTokens, ReasoningTokens: w.ReasoningTokens,
		InputCostMicro: in, OutputCostMicro: out, ReasoningCostMicro: reasoning, TotalCostMicro: total,
		PriceTableVersion: w.PriceTableVersion, BillingMethod: w.BillingMethod,
		LatencyMs: w.LatencyMs, CRC32: w.CRC32,
	}, nil
}

// canonicalForCRC returns the bytes CRC32 is computed over: every field
// except crc32 itself, in canonical (field-order-stable) form.
func canonicalForCRC(w entryWire) []byte {
	w.CRC32 = 0
	b, _ := json.Marshal(w)
	return b
}

// Rotation defaults.
const (
	DefaultMaxSizeMB  = 50
	DefaultMaxAgeDays = 30
)

// Options configures a Ledger.
type Options struct {
	BaseDir    string
	MaxSizeMB  int64
	MaxAgeDays int
	Fsync      bool

	// ExportWorkers, when > 0, starts background workers that gzip+hash
	// rotated archives and push them to Store under "hounfour/ledger/".
	// This adapts the asyncWriteWorker/writeQueue pattern to the
	// archive-export path described in supplemented features.
	ExportWorkers int
	Store         ObjectStore
}

// ObjectStore is the port archive export writes through (// port-abstraction note). FilesystemObjectStore is the in-process default.
type ObjectStore interface {
	Put(key string, r io.Reader) error
	Get(key string) (io.ReadCloser, error)
}

// FilesystemObjectStore implements ObjectStore against a local directory,
// mirroring the pattern of keeping durable storage as an
// internal, swappable layer behind the Ledger struct.
type FilesystemObjectStore struct {
	Root string
}

func (s FilesystemObjectStore) Put(key string, r io.Reader) error {
	path := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s FilesystemObjectStore) Get(key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Root, filepath.FromSlash(key)))
}

// indexEntry is one row of hounfour/ledger/{tenant}/index.json.
type indexEntry struct {
	Archive    string    `json:"archive"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"size_bytes"`
	ExportedAt time.Time `json:"exported_at"`
}

type exportJob struct {
	tenantID string
	path     string
}

// perTenant holds the mutable state a tenant's append path needs,
// serialized by its own mutex so tenants don't contend with each other.
type perTenant struct {
	mu        sync.Mutex
	openedAt  time.Time
	sizeBytes int64
}

// Ledger is the per-tenant append-only JSONL cost ledger.
type Ledger struct {
	opts Options
	log  zerolog.Logger

	tenantsMu sync.Mutex
	tenants   map[string]*perTenant

	exportQueue chan exportJob
	exportWG    sync.WaitGroup
	indexMu     sync.Mutex
}

// New constructs a Ledger rooted at opts.BaseDir, applying rotation
// defaults from when unset.
func New(opts Options, logger zerolog.Logger) (*Ledger, error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = DefaultMaxAgeDays
	}
	if opts.BaseDir == "" {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "ledger: base dir required")
	}
	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: failed to create base dir", err)
	}
	l := &Ledger{
		opts:    opts,
		log:     logger.With().Str("component", "ledger").Logger(),
		tenants: make(map[string]*perTenant),
	}

	if opts.ExportWorkers > 0 && opts.Store != nil {
		l.exportQueue = make(chan exportJob, 256)
		for i := 0; i < opts.ExportWorkers; i++ {
			l.exportWG.Add(1)
			go l.exportWorker()
		}
	}

	return l, nil
}

// Close drains the export queue and waits for in-flight uploads, the same
// shutdown shape as the asyncWriteWorker/writeQueue.
func (l *Ledger) Close() {
	if l.exportQueue != nil {
		close(l.exportQueue)
		l.exportWG.Wait()
	}
}

func (l *Ledger) exportWorker() {
	defer l.exportWG.Done()
	for job := range l.exportQueue {
		if err := l.doExport(job); err != nil {
			l.log.Error().Err(err).Str("tenant_id", job.tenantID).Str("path", job.path).Msg("ledger: archive export failed")
		}
	}
}

// doExport gzips the rotated archive at job.path, computes its SHA-256,
// uploads it under hounfour/ledger/{tenant}/, and appends an entry to that
// tenant's index.json.
func (l *Ledger) doExport(job exportJob) error {
	src, err := os.Open(job.path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "ledger-export-*.jsonl.gz")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	gw := gzip.NewWriter(io.MultiWriter(tmp, hasher))
	if _, err := io.Copy(gw, src); err != nil {
		tmp.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	name := filepath.Base(job.path) + ".gz"
	key := fmt.Sprintf("hounfour/ledger/%s/%s", job.tenantID, name)

	upload, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer upload.Close()

	if err := l.opts.Store.Put(key, upload); err != nil {
		return err
	}

	fi, err := os.Stat(tmpPath)
	if err != nil {
		return err
	}

	return l.appendIndex(job.tenantID, indexEntry{
		Archive:    name,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:  fi.Size(),
		ExportedAt: time.Now().UTC(),
	})
}

// appendIndex reads, updates, and rewrites hounfour/ledger/{tenant}/index.json.
// Serialized by indexMu since multiple export workers may finish concurrently.
func (l *Ledger) appendIndex(tenantID string, entry indexEntry) error {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	key := fmt.Sprintf("hounfour/ledger/%s/index.json", tenantID)

	var entries []indexEntry
	if r, err := l.opts.Store.Get(key); err == nil {
		data, readErr := io.ReadAll(r)
		r.Close()
		if readErr == nil {
			_ = json.Unmarshal(data, &entries)
		}
	}

	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return l.opts.Store.Put(key, strings.NewReader(string(data)))
}

// EnqueueExport submits a rotated archive file for background export. It
// is a no-op when export workers are not configured.
func (l *Ledger) EnqueueExport(tenantID, archivePath string) {
	if l.exportQueue == nil {
		return
	}
	l.exportQueue <- exportJob{tenantID: tenantID, path: archivePath}
}

func (l *Ledger) tenantDir(tenantID string) string {
	return filepath.Join(l.opts.BaseDir, tenantID)
}

func (l *Ledger) activePath(tenantID string) string {
	return filepath.Join(l.tenantDir(tenantID), "ledger.jsonl")
}

func (l *Ledger) stateFor(tenantID string) *perTenant {
	l.tenantsMu.Lock()
	defer l.tenantsMu.Unlock()
	st, ok := l.tenants[tenantID]
	if !ok {
		st = &perTenant{}
		l.tenants[tenantID] = st
	}
	return st
}

// Append stamps crc32, applies rotation if needed, then appends entry as
// one line. Per-tenant writes are totally ordered via the tenant's mutex.
func (l *Ledger) Append(tenantID string, entry Entry) error {
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = 2
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	st := l.stateFor(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(l.tenantDir(tenantID), 0o755); err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: mkdir failed", err)
	}

	if st.sizeBytes == 0 {
		if fi, err := os.Stat(l.activePath(tenantID)); err == nil {
			st.sizeBytes = fi.Size()
			st.openedAt = fi.ModTime()
		} else {
			st.openedAt = time.Now().UTC()
		}
	}

	if l.needsRotation(st) {
		if err := l.rotate(tenantID, st); err != nil {
			return err
		}
	}

	wire := entry.toWire()
	wire.CRC32 = crc32.ChecksumIEEE(canonicalForCRC(wire))
	entry.CRC32 = wire.CRC32

	line, err := json.Marshal(wire)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: marshal failed", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.activePath(tenantID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: open failed", err)
	}
	defer f.Close()

	n, err := f.Write(line)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: write failed", err)
	}
	if l.opts.Fsync {
		if err := f.Sync(); err != nil {
			return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: fsync failed", err)
		}
	}

	if st.sizeBytes == 0 {
		st.openedAt = time.Now().UTC()
	}
	st.sizeBytes += int64(n)

	l.log.Debug().Str("tenant_id", tenantID).Int64("total_cost_micro", entry.TotalCostMicro).Msg("ledger entry appended")
	return nil
}

func (l *Ledger) needsRotation(st *perTenant) bool {
	if st.sizeBytes >= l.opts.MaxSizeMB*1024*1024 {
		return true
	}
	if !st.openedAt.IsZero() && time.Since(st.openedAt) >= time.Duration(l.opts.MaxAgeDays)*24*time.Hour {
		return true
	}
	return false
}

// rotate renames the active file to an archive name ledger-YYYY-MM-DD-NNN.jsonl
// with a sequence monotonic within a day.
func (l *Ledger) rotate(tenantID string, st *perTenant) error {
	active := l.activePath(tenantID)
	if _, err := os.Stat(active); os.IsNotExist(err) {
		st.sizeBytes = 0
		st.openedAt = time.Now().UTC()
		return nil
	}

	day := time.Now().UTC().Format("2006-01-02")
	seq := 1
	var archivePath string
	for {
		archivePath = filepath.Join(l.tenantDir(tenantID), fmt.Sprintf("ledger-%s-%03d.jsonl", day, seq))
		if _, err := os.Stat(archivePath); os.IsNotExist(err) {
			break
		}
		seq++
	}

	if err := os.Rename(active, archivePath); err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: rotate rename failed", err)
	}

	l.log.Info().Str("tenant_id", tenantID).Str("archive", archivePath).Msg("ledger rotated")
	st.sizeBytes = 0
	st.openedAt = time.Now().UTC()
	l.EnqueueExport(tenantID, archivePath)
	return nil
}

// archiveFiles returns the rotated archive files for tenantID, oldest
// first; the active file is not included.
func (l *Ledger) archiveFiles(tenantID string) ([]string, error) {
	dir := l.tenantDir(tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var archives []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "ledger-") && strings.HasSuffix(name, ".jsonl") {
			archives = append(archives, filepath.Join(dir, name))
		}
	}
	sort.Strings(archives)
	return archives, nil
}

// ScanEntries yields every entry for tenantID in append order across all
// rotated archives followed by the active file — a lazy, finite,
// restartable sequence A line failing CRC32 is skipped
// with a warning; a torn trailing line is tolerated.
func (l *Ledger) ScanEntries(tenantID string, yield func(Entry) bool) error {
	archives, err := l.archiveFiles(tenantID)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: list archives failed", err)
	}
	files := append(archives, l.activePath(tenantID))

	for _, path := range files {
		cont, err := l.scanFile(path, yield)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (l *Ledger) scanFile(path string, yield func(Entry) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, gatewayerr.Wrap(gatewayerr.CodeInternal, "ledger: open for scan failed", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wire entryWire
		if err := json.Unmarshal(line, &wire); err != nil {
			// Torn trailing line: tolerated silently.
			continue
		}
		got := crc32.ChecksumIEEE(canonicalForCRC(wire))
		if got != wire.CRC32 {
			l.log.Warn().Str("path", path).Msg("ledger: entry failed crc32 check, skipping")
			continue
		}
		entry, err := wire.toEntry()
		if err != nil {
			l.log.Warn().Str("path", path).Err(err).Msg("ledger: entry failed to parse cost fields, skipping")
			continue
		}
		if !yield(entry) {
			return false, nil
		}
	}
	return true, scanner.Err()
}

// RecomputeResult is the outcome of a full-scan recomputation.
type RecomputeResult struct {
	TotalCostMicro int64
	EntryCount     int64
}

// Recompute returns total micro-cost and entry count by full scan,
// independent of the in-memory counters.
func (l *Ledger) Recompute(tenantID string) (RecomputeResult, error) {
	var res RecomputeResult
	err := l.ScanEntries(tenantID, func(e Entry) bool {
		res.TotalCostMicro += e.TotalCostMicro
		res.EntryCount++
		return true
	})
	return res, err
}
