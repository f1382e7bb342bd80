package actionengine

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/store"
)

// Manager is a bounded worker pool over a single ActionRuntime. It is
// built from a buffered admission channel (sized to concurrencyLimit)
// plus an errgroup.Group tracking in-flight Job goroutines — the same
// join/drain shape a sync.WaitGroup gives, generalized to carry each
// goroutine's error for Stop's "await per-job completion".
type Manager struct {
	st       store.Store
	runtime  ActionRuntime
	clientID string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sem chan struct{}
	eg  *errgroup.Group

	mu       sync.Mutex
	inFlight map[string]*Job
	stopped  bool
}

// NewManager constructs a Manager for one action, per the construction
// contract "{action, store, variables, logger, concurrencyLimit}".
func NewManager(st store.Store, runtime ActionRuntime, clientID string, concurrencyLimit int, logger *slog.Logger) *Manager {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		st:       st,
		runtime:  runtime,
		clientID: clientID,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, concurrencyLimit),
		eg:       &errgroup.Group{},
		inFlight: make(map[string]*Job),
	}
}

// Push schedules an ActionJob execution for row. It blocks only long
// enough to acquire a pool slot (the StepManager/Store calls themselves
// run asynchronously in the spawned goroutine): the pool length caps
// in-flight work per action.
func (m *Manager) Push(row *domain.Job) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		return
	}

	job := NewJob(m.ctx, m.st, m.runtime, row, m.clientID, m.logger)

	m.mu.Lock()
	m.inFlight[row.ID] = job
	m.mu.Unlock()

	m.eg.Go(func() error {
		defer func() {
			<-m.sem
			m.mu.Lock()
			delete(m.inFlight, row.ID)
			m.mu.Unlock()
		}()
		if err := job.Run(); err != nil {
			m.logger.WarnContext(m.ctx, "action job finished with error", "action", m.runtime.Name(), "job", row.ID, "error", err)
		}
		return nil
	})
}

// CancelJob locates an in-flight Job and aborts it. Returns whether found.
func (m *Manager) CancelJob(jobID string) bool {
	m.mu.Lock()
	job, ok := m.inFlight[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	job.Cancel("cancelled by caller")
	return true
}

// AbortAll cancels every in-flight Job.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.inFlight))
	for _, j := range m.inFlight {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.Cancel("action manager stopping")
	}
}

// Stop sets stopped, aborts all in-flight jobs, and awaits per-job
// completion before returning.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.AbortAll()
	_ = m.eg.Wait()
	m.cancel()
}
