package duty

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodian-labs/custodian/pkg/audit"
	"github.com/custodian-labs/custodian/pkg/pdp"
	"github.com/custodian-labs/custodian/pkg/policy"
)

// DefaultMaxAttempts bounds the retry budget of a duty before it becomes
// terminally Failed.
const DefaultMaxAttempts = 3

// DeleteFunc is the external deletion hook. It MUST be idempotent:
// deleting an already-absent target succeeds, so a retry after a crash
// between hook success and persisted state is always safe.
type DeleteFunc func(ctx context.Context, dataTarget string) error

// Scheduler derives duties from decisions and executes overdue ones,
// writing every execution outcome through the audit log.
type Scheduler struct {
	store       Store
	log         *audit.Log
	hook        DeleteFunc
	maxAttempts int
	logger      *slog.Logger

	// tickMu makes Tick passes mutually exclusive with each other.
	// OnDecision does not take it: duty creation never contends with
	// duty execution except at the individual-duty level in the store.
	tickMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger overrides the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler wires a scheduler to its store, audit log and deletion hook.
func NewScheduler(store Store, log *audit.Log, hook DeleteFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		log:         log,
		hook:        hook,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnDecision materializes one Pending duty per retention obligation of a
// Permit decision, expiring at decision time plus the retention period.
// Creation writes no audit entry of its own: the decision's entry already
// records it. Deny decisions and obligation-free permits create nothing.
func (s *Scheduler) OnDecision(ctx context.Context, d pdp.Decision) ([]*Duty, error) {
	if d.Effect != policy.EffectPermit || len(d.Obligations) == 0 {
		return nil, nil
	}
	created := make([]*Duty, 0, len(d.Obligations))
	for _, ob := range d.Obligations {
		now := d.EvaluatedAt
		duty := &Duty{
			ID:         uuid.New().String(),
			PolicyID:   d.PolicyID,
			DataTarget: ob.DataTarget,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ob.RetentionPeriod()),
			Status:     StatusPending,
			UpdatedAt:  now,
		}
		if err := s.store.Save(ctx, duty); err != nil {
			return created, fmt.Errorf("duty create: %w", err)
		}
		created = append(created, duty)
	}
	return created, nil
}

// Tick executes one pass over the duties due at now. Passes never overlap;
// each duty's outcome (status write plus audit entry) is its own atomic
// unit, so an aborted pass leaves no half-recorded duty behind. A pass
// works on a snapshot of due duties, bounding its own duration.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Summary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var sum Summary
	due, err := s.store.FindDue(ctx, now)
	if err != nil {
		return sum, fmt.Errorf("duty tick: %w", err)
	}

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			// Aborting between duties is safe: everything processed so
			// far is fully recorded.
			return sum, err
		}
		s.execute(ctx, d, now, &sum)
	}
	return sum, nil
}

func (s *Scheduler) execute(ctx context.Context, d *Duty, now time.Time, sum *Summary) {
	if d.Status == StatusInProgress {
		// A crash leftover. If its Delete entry already made it into the
		// log, the outcome is decided; only the status write is missing.
		if rec, ok := s.recordedOutcome(d.ID); ok {
			s.adoptRecorded(ctx, d, rec, now, sum)
			return
		}
	}

	d.Status = StatusInProgress
	d.UpdatedAt = now
	if err := s.store.Save(ctx, d); err != nil {
		s.logger.Error("duty claim failed", "duty_id", d.ID, "error", err)
		sum.StillPending++
		return
	}

	hookErr := s.hook(ctx, d.DataTarget)
	if hookErr == nil {
		s.finish(ctx, d, now, StatusCompleted, "", sum)
		return
	}
	hookErr = fmt.Errorf("%w: %v", ErrExecutionFailed, hookErr)

	d.Attempts++
	d.LastError = hookErr.Error()
	s.logger.Warn("deletion hook failed",
		"duty_id", d.ID, "data_target", d.DataTarget,
		"attempt", d.Attempts, "max_attempts", s.maxAttempts, "error", hookErr)

	if d.Attempts < s.maxAttempts {
		d.Status = StatusPending
		d.UpdatedAt = now
		if err := s.store.Save(ctx, d); err != nil {
			s.logger.Error("duty requeue failed", "duty_id", d.ID, "error", err)
		}
		sum.StillPending++
		return
	}
	s.finish(ctx, d, now, StatusFailed, hookErr.Error(), sum)
}

// finish records a terminal transition. The audit entry commits first
// and the status write second, so a terminal status can never become
// durable without its audit trace. If the append fails the duty goes
// back to Pending for a plain retry; if the status write fails after
// the append, the duty stays InProgress and the next pass adopts the
// recorded outcome instead of appending a second entry.
func (s *Scheduler) finish(ctx context.Context, d *Duty, now time.Time, status Status, hookErr string, sum *Summary) {
	record := DeleteRecord{
		DutyID:     d.ID,
		PolicyID:   d.PolicyID,
		DataTarget: d.DataTarget,
		Attempts:   d.Attempts,
		Failed:     status == StatusFailed,
		Error:      hookErr,
	}
	if _, err := s.log.Append(audit.KindDelete, record); err != nil {
		s.logger.Error("audit append failed, requeueing duty", "duty_id", d.ID, "error", err)
		d.Status = StatusPending
		d.UpdatedAt = now
		if rbErr := s.store.Save(ctx, d); rbErr != nil {
			s.logger.Error("duty requeue failed", "duty_id", d.ID, "error", rbErr)
		}
		sum.StillPending++
		return
	}

	d.Status = status
	d.UpdatedAt = now
	if err := s.store.Save(ctx, d); err != nil {
		s.logger.Error("duty status write failed after audit append",
			"duty_id", d.ID, "status", status, "error", err)
		sum.StillPending++
		return
	}

	switch status {
	case StatusCompleted:
		sum.Completed++
		s.logger.Info("retention duty completed", "duty_id", d.ID, "data_target", d.DataTarget)
	case StatusFailed:
		sum.Failed++
		s.logger.Error("retention duty failed terminally",
			"duty_id", d.ID, "data_target", d.DataTarget, "attempts", d.Attempts)
	}
}

// recordedOutcome scans the audit log for a Delete entry that already
// records this duty's terminal transition.
func (s *Scheduler) recordedOutcome(dutyID string) (DeleteRecord, bool) {
	n := s.log.Len()
	if n == 0 {
		return DeleteRecord{}, false
	}
	entries, err := s.log.Read(0, uint64(n-1))
	if err != nil {
		return DeleteRecord{}, false
	}
	for _, e := range entries {
		if e.Kind != audit.KindDelete {
			continue
		}
		var rec DeleteRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			continue
		}
		if rec.DutyID == dutyID {
			return rec, true
		}
	}
	return DeleteRecord{}, false
}

// adoptRecorded finishes a crash-interrupted transition: the audited
// outcome is replayed into the store without re-running the hook or
// appending again.
func (s *Scheduler) adoptRecorded(ctx context.Context, d *Duty, rec DeleteRecord, now time.Time, sum *Summary) {
	status := StatusCompleted
	if rec.Failed {
		status = StatusFailed
	}
	d.Status = status
	d.Attempts = rec.Attempts
	d.LastError = rec.Error
	d.UpdatedAt = now
	if err := s.store.Save(ctx, d); err != nil {
		s.logger.Error("duty recovery write failed", "duty_id", d.ID, "error", err)
		sum.StillPending++
		return
	}
	if rec.Failed {
		sum.Failed++
	} else {
		sum.Completed++
	}
	s.logger.Info("adopted recorded duty outcome", "duty_id", d.ID, "status", status)
}

// Run invokes Tick on every interval until ctx is done. The on-demand
// flush endpoint shares the same Tick, serialized by the pass mutex.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled tick failed", "error", err)
			}
		}
	}
}
