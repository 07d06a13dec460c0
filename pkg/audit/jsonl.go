package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// JSONLSink persists entries as one JSON record per line, append-only.
// The file alone is enough to re-verify the whole chain.
type JSONLSink struct {
	f *os.File
}

// NewJSONLSink opens (or creates) the audit file for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit jsonl: open %s: %w", path, err)
	}
	return &JSONLSink{f: f}, nil
}

// Append writes one entry and syncs it to disk before reporting success.
func (s *JSONLSink) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit jsonl: marshal: %w", err)
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit jsonl: write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("audit jsonl: sync: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (s *JSONLSink) Close() error {
	return s.f.Close()
}

// ReadJSONL loads all entries from an audit file, in file order. It does
// not verify the chain; pass the result to Replay for that.
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit jsonl: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit jsonl: line %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit jsonl: scan: %w", err)
	}
	return entries, nil
}

// OpenJSONL reads an existing audit file, verifies the chain, and returns
// a log that keeps appending to the same file.
func OpenJSONL(path string, opts ...Option) (*Log, *JSONLSink, error) {
	entries, err := ReadJSONL(path)
	if err != nil {
		return nil, nil, err
	}
	sink, err := NewJSONLSink(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := Replay(entries, append(opts, WithSink(sink))...)
	if err != nil {
		_ = sink.Close()
		return nil, nil, err
	}
	return log, sink, nil
}
