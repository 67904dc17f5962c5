// Package scheduler runs the periodic housekeeping of the engine while it
// holds the leader lock: promoting delayed tasks, requeueing lapsed leases,
// finalizing stalled batches and the auto-recovery sweep.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/status"
)

// Leader reports whether this process may run housekeeping right now.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

type Queue interface {
	MoveDue(ctx context.Context, queue string, now int64, batch int64) (int, error)
	RequeueExpired(ctx context.Context, now int64, batch int64) (int, []*domain.Task, error)
}

type Batches interface {
	ReconcileStalled(ctx context.Context, since time.Time) (int, error)
}

type Recoverer interface {
	AutoRecover(ctx context.Context, since time.Time) (int, error)
	ReconcileRecoveries(ctx context.Context, since time.Time) (int, error)
}

// Failures records the document failure of a task abandoned after its lease
// lapsed too often.
type Failures interface {
	RecordFailure(ctx context.Context, documentID string, stage domain.Stage, metadata map[string]any) (*domain.DocumentStatusRecord, error)
}

// ErrorTypeWorkerLost marks documents whose task outlived its lease attempts.
const ErrorTypeWorkerLost = "WorkerLost"

type Index interface {
	Prune(ctx context.Context, cutoff time.Time) error
}

type Options struct {
	Interval time.Duration
	// Lookback bounds how far back stalled-batch and recovery sweeps look.
	Lookback     time.Duration
	Retention    time.Duration
	RecoverySpec string
	BatchSize    int64
}

type Scheduler struct {
	leader    Leader
	q         Queue
	batches   Batches
	recoverer Recoverer
	index     Index
	failures  Failures
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

func New(leader Leader, q Queue, batches Batches, recoverer Recoverer, index Index, failures Failures, opts Options, log *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.RecoverySpec == "" {
		opts.RecoverySpec = "@every 10m"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Scheduler{
		leader:    leader,
		q:         q,
		batches:   batches,
		recoverer: recoverer,
		index:     index,
		failures:  failures,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.opts.RecoverySpec, func() {
		if err := s.Sweep(ctx); err != nil {
			s.log.Error("recovery sweep", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule recovery sweep %q: %w", s.opts.RecoverySpec, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.String("recovery_schedule", s.opts.RecoverySpec),
	)
	tick := time.NewTicker(s.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("scheduler tick", zap.Error(err))
			}
		}
	}
}

// Tick runs one housekeeping pass if this process is the leader.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.leader.TryLead(ctx)
	if err != nil {
		return fmt.Errorf("leader lock: %w", err)
	}
	if !ok {
		return nil
	}
	now := s.now().UTC()

	for _, name := range []string{domain.QueueHigh, domain.QueueDefault} {
		n, err := s.q.MoveDue(ctx, name, now.Unix(), s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("move due %s: %w", name, err)
		}
		if n > 0 {
			s.log.Debug("promoted delayed tasks", zap.String("queue", name), zap.Int("count", n))
		}
	}

	n, dead, err := s.q.RequeueExpired(ctx, now.Unix(), s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	}
	if n > 0 {
		s.log.Warn("requeued tasks with lapsed leases", zap.Int("count", n))
	}
	for _, t := range dead {
		s.abandoned(ctx, t)
	}

	fixed, err := s.batches.ReconcileStalled(ctx, now.Add(-s.opts.Lookback))
	if err != nil {
		return fmt.Errorf("reconcile stalled: %w", err)
	}
	if fixed > 0 {
		s.log.Info("finalized stalled batches", zap.Int("count", fixed))
	}

	merged, err := s.recoverer.ReconcileRecoveries(ctx, now.Add(-s.opts.Lookback))
	if err != nil {
		return fmt.Errorf("reconcile recoveries: %w", err)
	}
	if merged > 0 {
		s.log.Info("finalized stalled recoveries", zap.Int("count", merged))
	}
	return nil
}

// abandoned fails the document of a task that ran out of lease attempts.
// Its group member was already reported failed by the queue.
func (s *Scheduler) abandoned(ctx context.Context, t *domain.Task) {
	s.log.Error("task abandoned after lapsed leases",
		zap.String("task_id", t.ID),
		zap.String("task", t.Name),
		zap.String("document_id", t.DocumentID),
		zap.Int("attempt", t.Attempt),
	)
	stage := domain.StageForTask(t.Name)
	if t.DocumentID == "" || stage == "" {
		return
	}
	if _, err := s.failures.RecordFailure(ctx, t.DocumentID, stage, map[string]any{
		status.MetaBatchID:   t.OwnerBatchID(),
		status.MetaError:     t.Error,
		status.MetaErrorType: ErrorTypeWorkerLost,
		"task_id":            t.ID,
	}); err != nil {
		s.log.Warn("record abandoned task", zap.String("document_id", t.DocumentID), zap.Error(err))
	}
}

// Sweep starts recovery of recently failed batches and prunes the batch
// index, if this process is the leader.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ok, err := s.leader.TryLead(ctx)
	if err != nil || !ok {
		return err
	}
	now := s.now().UTC()
	started, err := s.recoverer.AutoRecover(ctx, now.Add(-s.opts.Lookback))
	if err != nil {
		return err
	}
	if started > 0 {
		s.log.Info("auto recovery started", zap.Int("batches", started))
	}
	return s.index.Prune(ctx, now.Add(-s.opts.Retention))
}

// AdvisoryLeader holds a Postgres session advisory lock on one pinned
// connection; the lock is kept for as long as that connection lives.
type AdvisoryLeader struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

func NewAdvisoryLeader(db *sql.DB, key int64) *AdvisoryLeader {
	return &AdvisoryLeader{db: db, key: key}
}

func (l *AdvisoryLeader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	if l.held {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.reset()
		return false, nil
	}
	var ok bool
	if err := l.conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		l.reset()
		return false, err
	}
	l.held = ok
	return ok, nil
}

func (l *AdvisoryLeader) reset() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn, l.held = nil, false
}

// Close releases the lock and returns the pinned connection to the pool.
func (l *AdvisoryLeader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var err error
	if l.held {
		_, err = l.conn.ExecContext(ctx, "select pg_advisory_unlock($1)", l.key)
	}
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	l.conn, l.held = nil, false
	return err
}
