package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"msgdeck/internal/eventbus"
	"msgdeck/internal/runtime/supervisor"
	"msgdeck/internal/storage"
	logx "msgdeck/pkg/logx"
)

// Manager schedules background jobs: admission control per resource class,
// a fixed worker pool, and live state via the record store.
type Manager struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store RecordStore

	locks *resourceLocks
	q     chan *activeJob

	mu      sync.Mutex
	active  map[string]*activeJob
	sup     *supervisor.Supervisor
	running bool
}

// activeJob is the in-flight form of a job between enqueue and terminal
// persist. Only the worker executing it mutates rec after enqueue.
type activeJob struct {
	rec   storage.JobRecord
	run   WorkFunc
	class string

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// requestCancel cancels the job's context if it is already running, or
// arms the flag so the runner fails it before the work function starts.
func (a *activeJob) requestCancel() {
	a.cancelMu.Lock()
	a.cancelled = true
	cancel := a.cancel
	a.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *activeJob) armContext(cancel context.CancelFunc) (alreadyCancelled bool) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	a.cancel = cancel
	return a.cancelled
}

func New(cfg Config, store RecordStore, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		store:  store,
		locks:  newResourceLocks(),
		active: map[string]*activeJob{},
	}
}

// RecoverInterrupted reconciles job records left non-terminal by a previous
// process. Call before Start: a restart never resumes a "running" job, it
// fails it with reason interrupted and frees its resource class.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	ids, err := m.store.ReconcileInterrupted(ctx, string(KindInterrupted), "interrupted by restart")
	if err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	}
	for _, id := range ids {
		m.log.Warn("job interrupted by restart", logx.String("job", id))
	}
	return nil
}

// Start launches the worker pool. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.q = make(chan *activeJob, m.cfg.QueueSize)
	queue := m.q

	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "jobs"))))
	for i := 0; i < m.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		m.sup.GoRestart(name, func(c context.Context) error {
			m.worker(c, queue)
			return c.Err()
		}, supervisor.WithPublishFirstError(true))
	}
	m.log.Info("job engine started", logx.Int("workers", m.cfg.Workers))
}

// Stop drains the pool. In-flight jobs observe cancellation at their next
// checkpoint; whatever they have committed stands.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	sup := m.sup
	m.sup = nil
	m.q = nil
	m.mu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("job engine stop", logx.Err(err))
	}
	m.log.Info("job engine stopped")
}

// Enqueue admits a job or rejects it synchronously. At most one active job
// per resource class: if the class is held, ErrResourceBusy is returned and
// no record is created. On success the job id is returned immediately and a
// worker picks the job up as soon as one is free.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.Run == nil {
		return "", ErrNilWork
	}
	if !req.Type.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	m.mu.Lock()
	queue := m.q
	running := m.running
	m.mu.Unlock()
	if !running || queue == nil {
		return "", ErrStopped
	}

	class := string(req.Type)
	id := uuid.NewString()
	if !m.locks.TryAcquire(class, id) {
		holder, _ := m.locks.Holder(class)
		m.log.Debug("enqueue rejected: resource busy", logx.String("class", class), logx.String("holder", holder))
		return "", ErrResourceBusy
	}

	aj := &activeJob{
		rec: storage.JobRecord{
			ID:        id,
			Type:      class,
			State:     StateQueued,
			CreatedAt: time.Now(),
		},
		run:   req.Run,
		class: class,
	}

	if err := m.store.CreateJob(ctx, aj.rec); err != nil {
		m.locks.Release(class, id)
		return "", fmt.Errorf("persist job record: %w", err)
	}

	m.mu.Lock()
	m.active[id] = aj
	m.mu.Unlock()

	// Publish before the handoff: once a worker has the job it owns rec,
	// and observers must see queued before running. The channel send below
	// orders this publish before anything the worker does.
	queued := aj.rec
	m.publish(EventQueued, queued, "")

	select {
	case queue <- aj:
	default:
		// Cannot happen while admission control holds (queue capacity exceeds
		// the number of resource classes), but never leave a lock dangling.
		m.dropActive(id)
		m.locks.Release(class, id)
		_ = m.store.FinishJob(ctx, id, StateFailed, "", string(KindInterrupted), "worker queue full", time.Now())
		queued.State = StateFailed
		m.publish(EventFailed, queued, "worker queue full")
		return "", ErrStopped
	}

	m.log.Debug("job enqueued", logx.String("job", id), logx.String("type", class))
	return id, nil
}

// Get returns the durable record for a job.
func (m *Manager) Get(ctx context.Context, id string) (storage.JobRecord, error) {
	return m.store.GetJob(ctx, id)
}

// Recent returns the latest job records, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	return m.store.RecentJobs(ctx, limit)
}

// Cancel requests cooperative cancellation of an active job. The work
// function observes it at its next checkpoint; cancellation never rolls
// back side effects already committed. Cancelling a job that is not active
// is an error.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	aj := m.active[id]
	m.mu.Unlock()
	if aj == nil {
		return fmt.Errorf("job %s is not active", id)
	}
	aj.requestCancel()
	m.log.Info("job cancellation requested", logx.String("job", id))
	return nil
}

// Busy reports whether a resource class currently has an active job.
func (m *Manager) Busy(t Type) bool {
	_, held := m.locks.Holder(string(t))
	return held
}

func (m *Manager) worker(ctx context.Context, queue chan *activeJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case aj, ok := <-queue:
			if !ok {
				return
			}
			m.execute(ctx, aj)
		}
	}
}

func (m *Manager) dropActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) publish(eventType string, rec storage.JobRecord, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventType,
		Data: Event{
			ID:      rec.ID,
			Type:    Type(rec.Type),
			State:   rec.State,
			Current: rec.ProgressCurrent,
			Total:   rec.ProgressTotal,
			Message: rec.ProgressMessage,
			Error:   errMsg,
		},
	})
}
