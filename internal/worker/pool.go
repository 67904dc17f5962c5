// Package worker pulls tasks off the priority queues and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/lexbatch/internal/domain"
)

// Handler runs one task. Chain links and group reports are handled by the pool.
type Handler func(ctx context.Context, t *domain.Task) error

type Queue interface {
	Dequeue(ctx context.Context, queues []string, block, lease time.Duration) (*domain.Task, error)
	Ack(ctx context.Context, t *domain.Task, status domain.TaskStatus, errMsg string) error
	Extend(ctx context.Context, id string, lease time.Duration) error
	Continue(ctx context.Context, t *domain.Task) (bool, error)
	CompleteMember(ctx context.Context, groupID, memberID string, ok bool) (bool, error)
	IsRevoked(ctx context.Context, ids ...string) (bool, error)
}

// Batches is told when the first task of a batch starts.
type Batches interface {
	MarkStarted(ctx context.Context, batchID string) error
}

type Statuses interface {
	RecordTransition(ctx context.Context, documentID string, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any) error
}

type Options struct {
	Concurrency int
	Queues      []string
	Block       time.Duration
	Lease       time.Duration
}

type Pool struct {
	q        Queue
	batches  Batches
	statuses Statuses
	handlers map[string]Handler
	opts     Options
	log      *zap.Logger
}

func NewPool(q Queue, batches Batches, statuses Statuses, opts Options, log *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if len(opts.Queues) == 0 {
		opts.Queues = []string{domain.QueueHigh, domain.QueueDefault}
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	return &Pool{q: q, batches: batches, statuses: statuses, handlers: map[string]Handler{}, opts: opts, log: log}
}

// Handle registers h for tasks named name.
func (p *Pool) Handle(name string, h Handler) {
	p.handlers[name] = h
	p.log.Debug("handler registered", zap.String("task", name))
}

// Run starts the workers and blocks until ctx is cancelled or a worker hits
// a queue error it cannot get past.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Strings("queues", p.opts.Queues),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.loop(gctx, i) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	log := p.log.With(zap.Int("worker_id", id))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			log.Debug("worker stopped")
			return nil
		}
		if _, err := p.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("process task", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
	}
}

// ProcessOne dequeues and runs at most one task. It reports whether a task was
// taken. Task failures are recorded on the task, not returned.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	t, err := p.q.Dequeue(ctx, p.opts.Queues, p.opts.Block, p.opts.Lease)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if t == nil {
		return false, nil
	}
	return true, p.process(ctx, t)
}

func (p *Pool) process(ctx context.Context, t *domain.Task) error {
	log := p.log.With(
		zap.String("task_id", t.ID),
		zap.String("task", t.Name),
		zap.String("batch_id", t.BatchID),
		zap.String("document_id", t.DocumentID),
		zap.Int("attempt", t.Attempt),
	)
	member := t.GroupID != "" && t.MemberID != ""

	revoked, err := p.q.IsRevoked(ctx, t.ID, t.MemberID, t.GroupID)
	if err != nil {
		return err
	}
	if revoked {
		log.Info("skipping revoked task")
		if t.DocumentID != "" {
			if err := p.statuses.RecordTransition(ctx, t.DocumentID, domain.StageForTask(t.Name), domain.SignalCancelled, nil); err != nil {
				log.Warn("record cancelled", zap.Error(err))
			}
		}
		if member {
			if _, err := p.q.CompleteMember(ctx, t.GroupID, t.MemberID, false); err != nil {
				return err
			}
		}
		return p.q.Ack(ctx, t, domain.TaskRevoked, domain.ErrRevoked.Error())
	}

	if member && t.BatchID != "" {
		if err := p.batches.MarkStarted(ctx, t.BatchID); err != nil {
			log.Warn("mark batch started", zap.Error(err))
		}
	}

	start := time.Now()
	runErr := p.run(ctx, t)
	if runErr != nil {
		log.Error("task failed", zap.Duration("duration", time.Since(start)), zap.Error(runErr))
		if member {
			if _, err := p.q.CompleteMember(ctx, t.GroupID, t.MemberID, false); err != nil {
				return err
			}
		}
		return p.q.Ack(ctx, t, domain.TaskFailed, runErr.Error())
	}

	if member {
		more, err := p.q.Continue(ctx, t)
		if err != nil {
			return err
		}
		if !more {
			fired, err := p.q.CompleteMember(ctx, t.GroupID, t.MemberID, true)
			if err != nil {
				return err
			}
			if fired {
				log.Info("group drained, callback enqueued", zap.String("group_id", t.GroupID))
			}
		}
	}
	log.Debug("task succeeded", zap.Duration("duration", time.Since(start)))
	return p.q.Ack(ctx, t, domain.TaskSucceeded, "")
}

// run calls the handler for t, extending its lease while it runs and turning
// a panic into an error.
func (p *Pool) run(ctx context.Context, t *domain.Task) (err error) {
	h, ok := p.handlers[t.Name]
	if !ok {
		return fmt.Errorf("no handler for task %q", t.Name)
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(hctx, t.ID)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic in %s: %v", t.Name, r)
		}
	}()
	return h(hctx, t)
}

func (p *Pool) heartbeat(ctx context.Context, id string) {
	tick := time.NewTicker(p.opts.Lease / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := p.q.Extend(ctx, id, p.opts.Lease); err != nil && ctx.Err() == nil {
				p.log.Warn("extend lease", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
}
