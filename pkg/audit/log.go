// Package audit implements the append-only, hash-chained decision and
// deletion trail. Appends are linearized behind a single mutex held only
// for the compute-hash-and-append step; verification walks a snapshot and
// never repairs anything.
//
// Hash discipline (pinned, see DESIGN.md): every entry's hash is the
// SHA-256 hex digest of the RFC 8785 canonical JSON of
// {entry_id, sequence, timestamp, kind, payload, prev}, with the
// timestamp rendered as RFC 3339 UTC with nanoseconds. Entry 0 chains to
// the constant GenesisHash, so the whole chain, identifiers included, is
// re-verifiable from its fields alone.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodian-labs/custodian/pkg/canonical"
)

// GenesisHash is the previous-hash of the first entry.
const GenesisHash = "genesis"

var (
	// ErrChainBroken marks a verification failure. Tampering is reported,
	// never auto-corrected.
	ErrChainBroken = errors.New("audit chain verification failed")
	// ErrConcurrentWrite indicates two writers raced on the same sequence
	// number. Under the linearized-append discipline it cannot happen; if
	// it does, it is a synchronization bug and the writer must stop.
	ErrConcurrentWrite = errors.New("concurrent audit write conflict")
	// ErrEntryNotFound marks a read outside the recorded range.
	ErrEntryNotFound = errors.New("audit entry not found")
)

// Kind categorizes audit entries.
type Kind string

const (
	// KindDecision records a PDP decision together with its request context.
	KindDecision Kind = "decision"
	// KindDelete records the outcome of a retention-duty execution.
	KindDelete Kind = "delete"
)

// Entry is one immutable link of the chain.
type Entry struct {
	EntryID   string          `json:"entry_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// hashEnvelope is the exact structure hashed for each entry. Field set and
// encoding are pinned; changing either breaks replay verification.
type hashEnvelope struct {
	EntryID   string          `json:"entry_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Prev      string          `json:"prev"`
}

func entryHash(id string, seq uint64, ts time.Time, kind Kind, payload json.RawMessage, prev string) (string, error) {
	return canonical.Hash(hashEnvelope{
		EntryID:   id,
		Sequence:  seq,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Payload:   payload,
		Prev:      prev,
	})
}

// Sink durably records entries as they are appended. Append must be
// atomic per entry; a sink error aborts the in-memory append so memory
// and durable state never diverge.
type Sink interface {
	Append(e Entry) error
}

// Log is the append-only hash chain. The zero value is not usable; use New.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
	sink    Sink
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithSink attaches a durable sink. Every successful Append has already
// been accepted by the sink.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{head: GenesisHash, clock: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Replay rebuilds a log from previously persisted entries, verifying the
// chain before accepting it. Used to reopen a durable log after restart.
func Replay(entries []Entry, opts ...Option) (*Log, error) {
	l := New(opts...)
	if ok, bad := verifyEntries(entries); !ok {
		return nil, fmt.Errorf("%w: entry %d", ErrChainBroken, bad)
	}
	l.entries = append(l.entries, entries...)
	if n := len(entries); n > 0 {
		l.head = entries[n-1].Hash
	}
	return l, nil
}

// Append adds one entry. Concurrent callers observe a total order: no two
// entries share a sequence number and every hash is computed against the
// current head. The payload is stored in its canonical serialization so
// verification is byte-exact across processes.
func (l *Log) Append(kind Kind, payload any) (Entry, error) {
	payloadBytes, err := canonical.Bytes(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries))
	ts := l.clock().UTC()
	id := uuid.New().String()
	hash, err := entryHash(id, seq, ts, kind, payloadBytes, l.head)
	if err != nil {
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}
	entry := Entry{
		EntryID:   id,
		Sequence:  seq,
		Timestamp: ts,
		Kind:      kind,
		Payload:   payloadBytes,
		PrevHash:  l.head,
		Hash:      hash,
	}

	if l.sink != nil {
		if err := l.sink.Append(entry); err != nil {
			// Nothing was committed in memory; the caller may retry.
			return Entry{}, fmt.Errorf("audit append: sink: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.head = entry.Hash
	return entry, nil
}

// Read returns entries with from <= sequence <= to. A to of zero with an
// empty log yields no entries; to beyond the head is clamped.
func (l *Log) Read(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := uint64(len(l.entries))
	if n == 0 || from >= n {
		return nil, nil
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return nil, fmt.Errorf("%w: range %d..%d", ErrEntryNotFound, from, to)
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from:to+1])
	return out, nil
}

// Get returns one entry by sequence number.
func (l *Log) Get(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	return l.entries[seq], nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Verify recomputes every entry hash against its predecessor. It returns
// (true, -1) for a valid (possibly empty) chain, or (false, i) where i is
// the first entry whose recorded fields no longer reproduce its hash.
// Verification runs against a snapshot and may race with Append safely.
func (l *Log) Verify() (bool, int) {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()
	return verifyEntries(snapshot)
}

// VerifyEntries checks a detached slice of entries, such as one read back
// from a JSONL file, under the same rules as Verify.
func VerifyEntries(entries []Entry) (bool, int) {
	return verifyEntries(entries)
}

func verifyEntries(entries []Entry) (bool, int) {
	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i) || e.PrevHash != prev {
			return false, i
		}
		computed, err := entryHash(e.EntryID, e.Sequence, e.Timestamp, e.Kind, e.Payload, e.PrevHash)
		if err != nil || computed != e.Hash {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}
