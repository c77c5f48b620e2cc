package worker

import (
	"context"
	"os"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/storage"
	"github.com/SirClappington/exportq/internal/transform"
)

// errShutdown is the cancellation cause of runs interrupted by Stop.
var errShutdown = errors.New("worker shutting down")

// Artifacts is the part of the artifact store a worker writes to.
type Artifacts interface {
	Stage(ref string) (*artifact.Staged, error)
	Delete(ref string) error
}

type Config struct {
	WorkerID string
	// Concurrency is the number of dequeue loops, i.e. the maximum number of
	// exports this process runs at once.
	Concurrency int
	// PollBlock is how long one dequeue call waits for a task.
	PollBlock time.Duration
	// RetryDelay is the pause after a broker error.
	RetryDelay time.Duration
	// HeartbeatInterval is how often running jobs are touched in the
	// registry and checked for an external abort. Zero disables it.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		PollBlock:         5 * time.Second,
		RetryDelay:        time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be greater than 0")
	}
	if c.PollBlock <= 0 {
		return errors.New("poll block must be positive")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("heartbeat interval must not be negative")
	}
	return nil
}

// Pool pulls task refs from the broker and runs the exports they point at.
type Pool struct {
	registry  storage.Registry
	broker    queue.Broker
	artifacts Artifacts
	transform transform.Transformer
	log       *zap.Logger
	cfg       Config

	mu        sync.Mutex
	running   bool
	stopLoops context.CancelFunc
	stopCtrl  context.CancelFunc
	abortAll  context.CancelCauseFunc
	loops     *errgroup.Group
	ctrl      *errgroup.Group

	activeMu sync.Mutex
	active   map[string]*activeRun
}

type activeRun struct {
	jobID  string
	cancel context.CancelCauseFunc
}

func NewPool(
	registry storage.Registry,
	broker queue.Broker,
	artifacts Artifacts,
	t transform.Transformer,
	log *zap.Logger,
	cfg Config,
) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Pool{
		registry:  registry,
		broker:    broker,
		artifacts: artifacts,
		transform: t,
		log:       log.With(zap.String("worker_id", cfg.WorkerID)),
		cfg:       cfg,
		active:    make(map[string]*activeRun),
	}, nil
}

func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Start launches the dequeue loops, the cancel listener and the heartbeat
// loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	ctrlCtx, stopCtrl := context.WithCancel(context.WithoutCancel(ctx))
	signals, err := p.broker.CancelSignals(ctrlCtx)
	if err != nil {
		stopCtrl()
		return errors.Wrap(err, "subscribe to cancel signals")
	}
	execCtx, abortAll := context.WithCancelCause(context.WithoutCancel(ctx))
	loopCtx, stopLoops := context.WithCancel(ctx)

	p.ctrl = &errgroup.Group{}
	p.ctrl.Go(func() error {
		p.listenCancels(signals)
		return nil
	})
	if p.cfg.HeartbeatInterval > 0 {
		p.ctrl.Go(func() error {
			p.heartbeatLoop(ctrlCtx)
			return nil
		})
	}

	p.loops = &errgroup.Group{}
	for range p.cfg.Concurrency {
		p.loops.Go(func() error {
			p.dequeueLoop(loopCtx, execCtx)
			return nil
		})
	}

	p.running = true
	p.stopLoops, p.stopCtrl, p.abortAll = stopLoops, stopCtrl, abortAll
	p.log.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
	return nil
}

// Stop stops dequeuing and waits for in-flight exports. When ctx expires
// first, the remaining exports are cancelled and end in error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.log.Info("worker pool stopping")
	p.stopLoops()

	done := make(chan struct{})
	go func() {
		_ = p.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("shutdown deadline reached, cancelling running exports")
		p.abortAll(errShutdown)
		<-done
	}
	p.abortAll(errShutdown)
	p.stopCtrl()
	_ = p.ctrl.Wait()
	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) dequeueLoop(ctx, execCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ref, err := p.broker.Dequeue(ctx, p.cfg.PollBlock)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			p.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.Process(execCtx, ref)
	}
}

func (p *Pool) listenCancels(signals <-chan string) {
	for ref := range signals {
		if p.cancelRun(ref, nil) {
			p.log.Info("cancel signal received", zap.String("task_ref", ref))
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeats(ctx)
		}
	}
}

func (p *Pool) sendHeartbeats(ctx context.Context) {
	p.activeMu.Lock()
	runs := make(map[string]string, len(p.active))
	for ref, r := range p.active {
		runs[ref] = r.jobID
	}
	p.activeMu.Unlock()

	for ref, jobID := range runs {
		st, err := p.registry.Heartbeat(ctx, jobID, p.cfg.WorkerID)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			p.log.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if err != nil || st != domain.Running {
			// Aborted (or reaped) behind our back: stop working on it.
			p.cancelRun(ref, nil)
		}
	}
}

func (p *Pool) track(ref, jobID string, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.active[ref] = &activeRun{jobID: jobID, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(ref string) {
	p.activeMu.Lock()
	delete(p.active, ref)
	p.activeMu.Unlock()
}

// cancelRun cancels the local run for ref, if any. A nil cause means abort.
func (p *Pool) cancelRun(ref string, cause error) bool {
	if cause == nil {
		cause = domain.ErrAborted
	}
	p.activeMu.Lock()
	r, ok := p.active[ref]
	p.activeMu.Unlock()
	if ok {
		r.cancel(cause)
	}
	return ok
}

// Active reports how many exports this pool is running.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + gonanoid.Must(8)
}
