package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// MirroredSink appends every entry to the JSONL file and mirrors it into
// the sqlite table so ranges stay queryable across restarts. The file is
// the authoritative chain: a file failure aborts the append, a mirror
// failure does not. A lagging mirror is caught up by the reconciliation
// pass in OpenMirrored.
type MirroredSink struct {
	file   *JSONLSink
	mirror *SQLiteSink
	logger *slog.Logger
}

func (s *MirroredSink) Append(e Entry) error {
	if err := s.file.Append(e); err != nil {
		return err
	}
	if err := s.mirror.Append(e); err != nil {
		s.logger.Warn("audit mirror append failed, mirror will lag until reopen",
			"sequence", e.Sequence, "error", err)
	}
	return nil
}

// Close releases the underlying audit file. The database handle belongs
// to the caller.
func (s *MirroredSink) Close() error {
	return s.file.Close()
}

// OpenMirrored reads the JSONL audit file, brings the sqlite mirror up to
// date with it, verifies the chain, and returns a log that appends
// through both.
func OpenMirrored(path string, db *sql.DB, opts ...Option) (*Log, *MirroredSink, error) {
	entries, err := ReadJSONL(path)
	if err != nil {
		return nil, nil, err
	}
	mirror, err := NewSQLiteSink(db)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		// A sequence conflict means the row is already mirrored.
		if err := mirror.Append(e); err != nil && !errors.Is(err, ErrConcurrentWrite) {
			return nil, nil, fmt.Errorf("audit mirror: reconcile sequence %d: %w", e.Sequence, err)
		}
	}
	file, err := NewJSONLSink(path)
	if err != nil {
		return nil, nil, err
	}
	sink := &MirroredSink{file: file, mirror: mirror, logger: slog.Default()}
	log, err := Replay(entries, append(opts, WithSink(sink))...)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return log, sink, nil
}
