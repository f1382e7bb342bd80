// Package duron implements the Client orchestration surface: the
// top-level entry point producers and workers use to enqueue jobs,
// register actions, and query their state.
package duron

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duron-io/duron/internal/actionengine"
	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/notifier"
	"github.com/duron-io/duron/internal/ptr"
	"github.com/duron-io/duron/internal/store"
)

// SyncPattern selects which job-discovery loops a Client runs.
type SyncPattern string

const (
	SyncPull     SyncPattern = "pull"
	SyncPush     SyncPattern = "push"
	SyncHybrid   SyncPattern = "hybrid"
	SyncDisabled SyncPattern = "disabled"
)

// Config is the Client's construction-time configuration table.
type Config struct {
	ID                     string
	SyncPattern            SyncPattern
	PullInterval           time.Duration
	BatchSize              int
	ActionConcurrencyLimit int
	GroupConcurrencyLimit  int
	RecoverJobsOnStart     bool
	MultiProcessMode       bool
	ProcessTimeout         time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ID == "" {
		cfg.ID = randomClientID()
	}
	if cfg.SyncPattern == "" {
		cfg.SyncPattern = SyncHybrid
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ActionConcurrencyLimit <= 0 {
		cfg.ActionConcurrencyLimit = 100
	}
	if cfg.GroupConcurrencyLimit <= 0 {
		cfg.GroupConcurrencyLimit = 10
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func randomClientID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "c-" + hex.EncodeToString(b)
}

type waiter struct {
	ch chan *domain.Job
}

// Client is the engine's orchestration surface.
type Client struct {
	cfg Config
	st  store.Store
	nf  *notifier.Notifier

	mu       sync.Mutex
	started  bool
	stopping context.CancelFunc
	runCtx   context.Context

	managers    map[string]*actionengine.Manager
	runtimes    map[string]actionengine.ActionRuntime
	jobCreators map[string]func(context.Context, json.RawMessage) (string, error)

	waitMu  sync.Mutex
	waiters map[string][]*waiter

	metaMu   sync.Mutex
	metadata map[string]ActionMetadata

	wg sync.WaitGroup
}

// ActionMetadata is one entry of GetActionsMetadata's result: an action's
// name alongside a deterministic mock input sampled from its input shape.
type ActionMetadata struct {
	Name      string          `json:"name"`
	MockInput json.RawMessage `json:"mockInput"`
}

// New constructs a Client bound to an already-open Store and Notifier.
func New(cfg Config, st store.Store, nf *notifier.Notifier) *Client {
	return &Client{
		cfg:         cfg.withDefaults(),
		st:          st,
		nf:          nf,
		managers:    make(map[string]*actionengine.Manager),
		runtimes:    make(map[string]actionengine.ActionRuntime),
		jobCreators: make(map[string]func(context.Context, json.RawMessage) (string, error)),
		waiters:     make(map[string][]*waiter),
		metadata:    make(map[string]ActionMetadata),
	}
}

// RegisterAction wires a typed Action into the Client, creating its bounded
// ActionManager worker pool and a type-erased job creator keyed by name so
// the HTTP façade can run an action it only knows by string.
func RegisterAction[TInput, TOutput any](c *Client, action *Action[TInput, TOutput]) {
	adapter := &runtimeAdapter[TInput, TOutput]{action: action, vars: NewVariables(), logger: c.cfg.Logger}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimes[action.Name] = adapter
	c.managers[action.Name] = actionengine.NewManager(c.st, adapter, c.cfg.ID, c.cfg.ActionConcurrencyLimit, c.cfg.Logger)
	c.jobCreators[action.Name] = func(ctx context.Context, raw json.RawMessage) (string, error) {
		var input TInput
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return "", domain.NewValidation("input", err)
			}
		}
		return RunAction(ctx, c, action, input)
	}
}

// RunActionByName runs the named action with a raw JSON input, for callers
// (such as the HTTP façade) that only know the action by string. Returns
// domain.ErrJobNotFound's sibling condition as a plain error if the name
// isn't registered.
func (c *Client) RunActionByName(ctx context.Context, name string, rawInput json.RawMessage) (string, error) {
	c.mu.Lock()
	create, ok := c.jobCreators[name]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("duron: unknown action %q", name)
	}
	return create(ctx, rawInput)
}

// Start is idempotent; serialises concurrent starts, optionally recovers
// orphaned jobs, and installs the configured sync pattern(s).
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.stopping = cancel
	c.mu.Unlock()

	if c.cfg.RecoverJobsOnStart {
		if err := c.recoverJobs(ctx); err != nil {
			c.cfg.Logger.ErrorContext(ctx, "recoverJobs failed at startup", "error", err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.nf.ListenForPings(runCtx, c.cfg.ID)
	}()

	switch c.cfg.SyncPattern {
	case SyncPull, SyncHybrid:
		c.wg.Add(1)
		go c.runPullLoop(runCtx)
	}
	switch c.cfg.SyncPattern {
	case SyncPush, SyncHybrid:
		c.wg.Add(1)
		go c.runPushLoop(runCtx)
	}

	c.wg.Add(1)
	go c.runStatusListener(runCtx)

	return nil
}

// Stop cancels the pull timer, resolves all pending waitForJob calls with
// nil, stops every ActionManager, then returns once everything has drained.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop := c.stopping
	managers := make([]*actionengine.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		managers = append(managers, m)
	}
	c.mu.Unlock()

	stop()
	c.wg.Wait()

	c.waitMu.Lock()
	for id, ws := range c.waiters {
		for _, w := range ws {
			w.ch <- nil
			close(w.ch)
		}
		delete(c.waiters, id)
	}
	c.waitMu.Unlock()

	for _, m := range managers {
		m.Stop()
	}
}

// RunAction validates input, resolves groupKey/concurrencyLimit, and calls
// createJob.
func RunAction[TInput, TOutput any](ctx context.Context, c *Client, action *Action[TInput, TOutput], input TInput) (string, error) {
	if err := validateShape("input", input); err != nil {
		return "", err
	}

	probe := &ActionContext[TInput]{Context: ctx, Input: input}
	groupKey := "@default"
	if action.GroupKey != nil {
		groupKey = action.GroupKey(probe)
	}
	concurrencyLimit := c.cfg.GroupConcurrencyLimit
	if action.GroupConcurrency != nil {
		concurrencyLimit = action.GroupConcurrency(probe)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("duron: marshal action %q input: %w", action.Name, err)
	}

	timeoutMs := action.Expire.Milliseconds()
	if timeoutMs <= 0 {
		timeoutMs = 900000
	}

	jobID, ok, err := c.st.CreateJob(ctx, action.Name, groupKey, raw, timeoutMs, action.checksum(), concurrencyLimit)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("duron: createJob returned no id for action %q", action.Name)
	}
	return jobID, nil
}

// CancelJob cancels in place if the job is held by a local ActionManager
// (no DB round-trip for status); otherwise calls the Store.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	managers := make([]*actionengine.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		managers = append(managers, m)
	}
	c.mu.Unlock()

	for _, m := range managers {
		if m.CancelJob(jobID) {
			return true, nil
		}
	}
	return c.st.CancelJob(ctx, jobID)
}

func (c *Client) RetryJob(ctx context.Context, jobID string) (string, bool, error) {
	return c.st.RetryJob(ctx, jobID)
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	return c.st.DeleteJob(ctx, jobID)
}

func (c *Client) DeleteJobs(ctx context.Context, filter store.JobFilter) (int64, error) {
	return c.st.DeleteJobs(ctx, filter)
}

func (c *Client) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.st.GetJobByID(ctx, jobID)
}

func (c *Client) GetJobs(ctx context.Context, filter store.JobFilter, p store.Pagination, s store.Sort) ([]*domain.Job, error) {
	return c.st.GetJobs(ctx, filter, p, s)
}

func (c *Client) GetJobSteps(ctx context.Context, jobID string, p store.Pagination, search string) ([]*domain.JobStep, error) {
	return c.st.GetJobSteps(ctx, jobID, p, search)
}

func (c *Client) GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error) {
	return c.st.GetJobStepByID(ctx, stepID)
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	return c.st.GetJobStatus(ctx, jobID)
}

func (c *Client) GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error) {
	return c.st.GetJobStepStatus(ctx, stepID)
}

func (c *Client) GetActions(ctx context.Context) ([]store.ActionSummary, error) {
	return c.st.GetActions(ctx)
}

// GetActionsMetadata returns, for every registered action, a deterministic
// mock input sampled once from its input schema and cached per action
// name. Order matches registration order is not guaranteed; the result is
// sorted by name for a stable response shape.
func (c *Client) GetActionsMetadata() []ActionMetadata {
	c.mu.Lock()
	runtimes := make(map[string]actionengine.ActionRuntime, len(c.runtimes))
	for name, r := range c.runtimes {
		runtimes[name] = r
	}
	c.mu.Unlock()

	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	out := make([]ActionMetadata, 0, len(runtimes))
	for name, r := range runtimes {
		meta, ok := c.metadata[name]
		if !ok {
			raw, err := r.SampleInput()
			if err != nil {
				c.cfg.Logger.Warn("getActionsMetadata: sample input failed", "action", name, "error", err)
				raw = json.RawMessage("{}")
			}
			meta = ActionMetadata{Name: name, MockInput: raw}
			c.metadata[name] = meta
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WaitForJob resolves with the full job once it reaches a terminal status,
// or nil on timeout/Stop. If the job is already terminal it resolves
// immediately.
func (c *Client) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*domain.Job, error) {
	job, err := c.st.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	w := &waiter{ch: make(chan *domain.Job, 1)}
	c.waitMu.Lock()
	c.waiters[jobID] = append(c.waiters[jobID], w)
	c.waitMu.Unlock()

	timer := time.NewTimer(timeoutOrForever(timeout))
	defer timer.Stop()

	select {
	case j := <-w.ch:
		return j, nil
	case <-timer.C:
		c.removeWaiter(jobID, w)
		return nil, nil
	case <-ctx.Done():
		c.removeWaiter(jobID, w)
		return nil, nil
	}
}

func timeoutOrForever(d time.Duration) time.Duration {
	if d <= 0 {
		return 365 * 24 * time.Hour
	}
	return d
}

func (c *Client) removeWaiter(jobID string, target *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	ws := c.waiters[jobID]
	for i, w := range ws {
		if w == target {
			c.waiters[jobID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}

// === internal loops ===

func (c *Client) runPullLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PullInterval)
	defer ticker.Stop()
	c.pullOnce(ctx, c.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pullOnce(ctx, c.cfg.BatchSize)
		}
	}
}

func (c *Client) runPushLoop(ctx context.Context) {
	defer c.wg.Done()
	ch, unsubscribe := c.nf.Subscribe("job-available")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.pullOnce(ctx, 1)
		}
	}
}

func (c *Client) pullOnce(ctx context.Context, batch int) {
	jobs, err := c.st.Fetch(ctx, c.cfg.ID, batch)
	if err != nil {
		c.cfg.Logger.ErrorContext(ctx, "fetch failed", "error", err)
		return
	}
	c.mu.Lock()
	managers := c.managers
	c.mu.Unlock()

	for _, job := range jobs {
		m, ok := managers[job.ActionName]
		if !ok {
			c.cfg.Logger.WarnContext(ctx, "fetched job for unregistered action", "action", job.ActionName, "job", job.ID)
			continue
		}
		c.cfg.Logger.DebugContext(ctx, "claimed job", "action", job.ActionName, "job", job.ID, "clientId", ptr.Deref(job.ClientID, ""))
		m.Push(job)
	}
}

func (c *Client) runStatusListener(ctx context.Context) {
	defer c.wg.Done()
	ch, unsubscribe := c.nf.Subscribe("job-status-changed")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var payload struct {
				JobID string `json:"jobId"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil || payload.JobID == "" {
				continue
			}
			c.resolveWaiters(ctx, payload.JobID)
		}
	}
}

func (c *Client) resolveWaiters(ctx context.Context, jobID string) {
	c.waitMu.Lock()
	ws := c.waiters[jobID]
	delete(c.waiters, jobID)
	c.waitMu.Unlock()
	if len(ws) == 0 {
		return
	}

	job, err := c.st.GetJobByID(ctx, jobID)
	if err != nil {
		c.cfg.Logger.ErrorContext(ctx, "getJobById failed while resolving waiters", "job", jobID, "error", err)
		job = nil
	}
	for _, w := range ws {
		w.ch <- job
		close(w.ch)
	}
}

// recoverJobs implements the liveness suspect-set computation, delegating
// the transactional reset to the Store.
func (c *Client) recoverJobs(ctx context.Context) error {
	c.mu.Lock()
	checksums := make([]string, 0, len(c.runtimes))
	for _, r := range c.runtimes {
		checksums = append(checksums, r.Checksum())
	}
	c.mu.Unlock()

	foreign, err := c.st.DistinctActiveClientIDs(ctx, c.cfg.ID)
	if err != nil {
		return err
	}

	suspect := []string{c.cfg.ID}
	if !c.cfg.MultiProcessMode {
		suspect = append(suspect, foreign...)
	} else {
		var unresponsive []string
		for _, candidate := range foreign {
			if err := c.nf.Ping(ctx, candidate, c.cfg.ID); err != nil {
				c.cfg.Logger.WarnContext(ctx, "ping failed", "target", candidate, "error", err)
			}
		}
		if len(foreign) > 0 {
			unresponsive = c.nf.AwaitPongs(ctx, c.cfg.ID, foreign, c.cfg.ProcessTimeout)
		}
		suspect = append(suspect, unresponsive...)
	}

	_, err = c.st.RecoverJobs(ctx, suspect, checksums)
	return err
}

// NewJobID is a small helper kept for callers that need a pre-allocated
// identifier before calling the Store directly (e.g. idempotency keys
// supplied by a caller outside the Client).
func NewJobID() string { return uuid.New().String() }
