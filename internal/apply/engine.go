// Package apply executes a plan against the providers, persisting state
// after every completed action so a crash or partial failure never loses
// what already happened.
//
// The engine holds the distributed state lock for the whole run and
// renews it in the background. Independent actions run concurrently up
// to a bounded parallelism; a failed action taints its resource and
// skips everything that depends on it, while unrelated subtrees keep
// going.
package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/lock"
	"github.com/imamik/converge/internal/plan"
	"github.com/imamik/converge/internal/provider"
	"github.com/imamik/converge/internal/state"
	"github.com/imamik/converge/internal/util/retry"
)

// StalePlanError reports that the state store advanced past the serial
// the plan was computed against. The plan must be recomputed.
type StalePlanError struct {
	PlanSerial  uint64
	StateSerial uint64
}

func (e *StalePlanError) Error() string {
	return fmt.Sprintf("plan was computed against state serial %d but the store is at serial %d; run plan again", e.PlanSerial, e.StateSerial)
}

// Engine applies plans.
type Engine struct {
	store    state.Store
	locks    lock.Manager
	registry *provider.Registry

	log           logr.Logger
	concurrency   int
	failFast      bool
	lockKey       string
	holder        string
	lease         time.Duration
	acquireTries  int
	acquireDelay  time.Duration
	retryOpts     []retry.Option
	enableMetrics bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithConcurrency bounds how many provider actions run at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithFailFast stops launching new actions after the first failure
// instead of continuing with unaffected subtrees.
func WithFailFast(v bool) Option {
	return func(e *Engine) { e.failFast = v }
}

// WithLockKey sets the key the state lock is taken on.
func WithLockKey(key string) Option {
	return func(e *Engine) { e.lockKey = key }
}

// WithHolder sets the holder identity recorded on the lock.
func WithHolder(holder string) Option {
	return func(e *Engine) { e.holder = holder }
}

// WithLease sets the lock lease duration.
func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.lease = d }
}

// WithAcquireRetry bounds lock acquisition: attempts total tries with
// delay of exponential backoff between them before giving up busy.
func WithAcquireRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		e.acquireTries = attempts
		e.acquireDelay = delay
	}
}

// WithProviderRetry replaces the retry policy for provider calls.
func WithProviderRetry(opts ...retry.Option) Option {
	return func(e *Engine) { e.retryOpts = opts }
}

// WithMetrics enables Prometheus metrics recording.
func WithMetrics(v bool) Option {
	return func(e *Engine) { e.enableMetrics = v }
}

// New builds an Engine around a state store, a lock manager and a
// provider registry.
func New(store state.Store, locks lock.Manager, reg *provider.Registry, opts ...Option) *Engine {
	hostname, _ := os.Hostname()
	e := &Engine{
		store:        store,
		locks:        locks,
		registry:     reg,
		log:          logr.Discard(),
		concurrency:  4,
		lockKey:      "converge",
		holder:       fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		lease:        30 * time.Second,
		acquireTries: 5,
		acquireDelay: 2 * time.Second,
		retryOpts: []retry.Option{
			retry.WithRetryable(provider.IsTransient),
			retry.WithMaxAttempts(4),
			retry.WithInitialDelay(500 * time.Millisecond),
			retry.WithMaxDelay(8 * time.Second),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply executes the plan. Per-resource failures are recorded in the
// report, not returned; the returned error is reserved for protocol
// failures that abort the whole run (lock busy or lost, stale plan,
// state write failure, cancellation).
//
// Cancellation is cooperative: no new actions launch once ctx is done,
// but in-flight provider calls run to completion and their results are
// still persisted.
func (e *Engine) Apply(ctx context.Context, g *graph.Graph, p *plan.Plan) (*Report, error) {
	report := newReport()
	defer func() {
		report.Finished = time.Now()
		e.recordApplyDuration(report.Finished.Sub(report.Started).Seconds())
	}()

	if !p.HasChanges() {
		for _, c := range p.Changes {
			report.record(&Result{Addr: c.Addr, Action: c.Action, Outcome: OutcomeUnchanged})
		}
		return report, nil
	}

	held, err := e.acquire(ctx)
	if err != nil {
		return report, err
	}
	defer func() {
		// Release must survive cancellation or the lock dangles until
		// its lease expires.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.locks.Release(releaseCtx, held); err != nil {
			e.log.Error(err, "releasing state lock", "key", held.Key)
		}
	}()

	keeper := lock.StartKeeper(ctx, e.locks, held, e.log)
	defer keeper.Stop()

	doc, err := e.store.Read(ctx)
	if err != nil {
		return report, fmt.Errorf("reading state: %w", err)
	}
	if doc.Serial != p.Serial {
		return report, &StalePlanError{PlanSerial: p.Serial, StateSerial: doc.Serial}
	}

	r := newRun(e, g, p, doc, report)
	return report, r.execute(ctx, keeper)
}

func (e *Engine) acquire(ctx context.Context) (*lock.Lock, error) {
	var held *lock.Lock
	err := retry.Do(ctx, func() error {
		l, err := e.locks.Acquire(ctx, e.lockKey, e.holder, e.lease)
		if err != nil {
			return err
		}
		held = l
		return nil
	},
		retry.WithMaxAttempts(e.acquireTries),
		retry.WithInitialDelay(e.acquireDelay),
		retry.WithMaxDelay(30*time.Second),
		retry.WithRetryable(lock.IsBusy),
	)
	if err != nil {
		return nil, fmt.Errorf("acquiring state lock %q: %w", e.lockKey, err)
	}
	e.log.Info("acquired state lock", "key", held.Key, "holder", held.Holder, "lease", held.Lease.String())
	return held, nil
}

// run is the mutable scheduling state of one apply. The scheduler
// goroutine (the caller of execute) is the only writer of the document
// and of every map here; workers touch providers only.
type run struct {
	engine *Engine
	graph  *graph.Graph
	doc    *state.Document
	report *Report

	serial  uint64
	pending map[graph.Addr]plan.Change
	prereqs map[graph.Addr]map[graph.Addr]struct{}

	completed map[graph.Addr]bool
	failed    map[graph.Addr]bool
	skipped   map[graph.Addr]bool
	inflight  int

	// workCtx is detached from cancellation: in-flight provider calls
	// and the state writes recording them run to completion even when
	// the apply context is cancelled.
	workCtx context.Context
}

type workResult struct {
	change plan.Change
	attrs  map[string]any
	remote *provider.Remote
	err    error
}

func newRun(e *Engine, g *graph.Graph, p *plan.Plan, doc *state.Document, report *Report) *run {
	r := &run{
		engine:    e,
		graph:     g,
		doc:       doc,
		report:    report,
		serial:    doc.Serial,
		pending:   make(map[graph.Addr]plan.Change),
		prereqs:   make(map[graph.Addr]map[graph.Addr]struct{}),
		completed: make(map[graph.Addr]bool),
		failed:    make(map[graph.Addr]bool),
		skipped:   make(map[graph.Addr]bool),
	}
	for _, c := range p.Changes {
		if c.Action == plan.ActionNoop {
			report.record(&Result{Addr: c.Addr, Action: c.Action, Outcome: OutcomeUnchanged})
			continue
		}
		r.pending[c.Addr] = c
	}
	r.buildPrereqs()
	return r
}

// buildPrereqs records, per pending action, which other pending actions
// must finish first. Creates and updates wait on their declared
// dependencies; deletes wait on the pending deletes of resources whose
// state records a dependency on them.
func (r *run) buildPrereqs() {
	for addr, c := range r.pending {
		set := make(map[graph.Addr]struct{})
		if c.Action == plan.ActionDelete {
			for otherKey, rs := range r.doc.Resources {
				other, err := graph.ParseAddr(otherKey)
				if err != nil {
					continue
				}
				for _, depKey := range rs.Dependencies {
					if depKey != addr.String() {
						continue
					}
					if oc, ok := r.pending[other]; ok && oc.Action == plan.ActionDelete {
						set[other] = struct{}{}
					}
				}
			}
		} else {
			for _, dep := range r.graph.Dependencies(addr) {
				if _, ok := r.pending[dep]; ok {
					set[dep] = struct{}{}
				}
			}
		}
		r.prereqs[addr] = set
	}
}

func (r *run) execute(ctx context.Context, keeper *lock.Keeper) error {
	r.workCtx = context.WithoutCancel(ctx)
	results := make(chan workResult)

	aborted := false
	var abortErr error
	abort := func(err error) {
		aborted = true
		if abortErr == nil {
			abortErr = err
		}
	}

	for {
		if !aborted && ctx.Err() != nil {
			abort(ctx.Err())
		}
		if aborted {
			if r.inflight == 0 {
				break
			}
			// Drain: persist what the in-flight workers finish, launch
			// nothing new.
			res := <-results
			r.inflight--
			if err := r.finish(res); err != nil && abortErr == nil {
				abortErr = err
			}
			continue
		}

		if len(r.pending) == 0 && r.inflight == 0 {
			break
		}
		r.launchReady(results)
		if r.inflight == 0 {
			// Everything left was skipped by the failure cascade.
			break
		}

		select {
		case res := <-results:
			r.inflight--
			if err := r.finish(res); err != nil {
				abort(err)
			} else if r.engine.failFast && res.err != nil {
				abort(nil)
			}
		case <-keeper.Lost():
			abort(fmt.Errorf("aborting apply: %w", lock.ErrLockLost))
		case <-ctx.Done():
			abort(ctx.Err())
		}
	}

	for addr, c := range r.pending {
		r.skipped[addr] = true
		r.report.record(&Result{Addr: addr, Action: c.Action, Outcome: OutcomeSkipped})
		r.engine.recordAction(string(c.Action), string(OutcomeSkipped))
	}
	return abortErr
}

// launchReady starts every pending action whose prerequisites have all
// completed, within the concurrency bound, and cascades skips through
// the dependents of failed or skipped actions.
func (r *run) launchReady(results chan<- workResult) {
	for progressed := true; progressed; {
		progressed = false
		for _, addr := range r.pendingAddrs() {
			c := r.pending[addr]

			blocked := false
			blocker := ""
			for dep := range r.prereqs[addr] {
				if r.failed[dep] || r.skipped[dep] {
					blocker = dep.String()
					break
				}
				if !r.completed[dep] {
					blocked = true
				}
			}

			if blocker != "" {
				delete(r.pending, addr)
				r.skipped[addr] = true
				r.report.record(&Result{Addr: addr, Action: c.Action, Outcome: OutcomeSkipped})
				r.engine.recordAction(string(c.Action), string(OutcomeSkipped))
				r.engine.log.Info("skipping resource, dependency did not apply", "resource", addr.String(), "dependency", blocker)
				progressed = true
				continue
			}
			if blocked || r.inflight >= r.engine.concurrency {
				continue
			}

			attrs, err := r.resolve(c)
			if err != nil {
				delete(r.pending, addr)
				r.failed[addr] = true
				r.report.record(&Result{Addr: addr, Action: c.Action, Outcome: OutcomeFailed, Class: provider.ClassPermanent, Err: err})
				r.engine.recordAction(string(c.Action), string(OutcomeFailed))
				r.engine.log.Error(err, "resolving references", "resource", addr.String())
				progressed = true
				continue
			}

			var providerID string
			if rs := r.doc.Resource(addr); rs != nil {
				providerID = rs.ProviderID
			}

			delete(r.pending, addr)
			r.inflight++
			r.engine.log.Info("starting action", "resource", addr.String(), "action", string(c.Action))
			go func(c plan.Change, attrs map[string]any, providerID string) {
				remote, err := r.engine.perform(r.workCtx, c, attrs, providerID)
				results <- workResult{change: c, attrs: attrs, remote: remote, err: err}
			}(c, attrs, providerID)
			progressed = true
		}
	}
}

// finish folds one worker result into the document and persists it. A
// returned error means the state write failed and the run must abort.
func (r *run) finish(res workResult) error {
	addr := res.change.Addr

	if res.err != nil {
		class := provider.ClassOf(res.err)
		r.failed[addr] = true
		r.report.record(&Result{Addr: addr, Action: res.change.Action, Outcome: OutcomeFailed, Class: class, Err: res.err})
		r.engine.recordAction(string(res.change.Action), string(OutcomeFailed))
		r.engine.log.Error(res.err, "action failed", "resource", addr.String(), "action", string(res.change.Action), "class", string(class))

		// A failed create/update/replace leaves the remote side in an
		// unknown condition. Taint the resource so the next plan
		// replaces it instead of assuming the recorded attributes hold.
		if res.change.Action != plan.ActionDelete {
			rs := r.doc.Resource(addr)
			if rs == nil {
				rs = &state.ResourceState{}
			}
			rs.Status = state.StatusTainted
			rs.Dependencies = r.depKeys(addr)
			r.doc.SetResource(addr, rs)
			return r.persist()
		}
		return nil
	}

	switch res.change.Action {
	case plan.ActionDelete:
		r.doc.RemoveResource(addr)
	default:
		r.doc.SetResource(addr, &state.ResourceState{
			ProviderID:   res.remote.ID,
			Attributes:   res.attrs,
			Outputs:      res.remote.Outputs,
			Status:       state.StatusApplied,
			Dependencies: r.depKeys(addr),
		})
	}
	if err := r.persist(); err != nil {
		return err
	}
	r.completed[addr] = true
	r.report.record(&Result{Addr: addr, Action: res.change.Action, Outcome: OutcomeApplied})
	r.engine.recordAction(string(res.change.Action), string(OutcomeApplied))
	return nil
}

func (r *run) persist() error {
	serial, err := r.engine.store.WriteIfSerialMatches(r.workCtx, r.doc, r.serial)
	if err != nil {
		r.engine.recordStateWrite("error")
		var stale *state.StaleWriteError
		if errors.As(err, &stale) {
			return fmt.Errorf("state advanced underneath a held lock: %w", err)
		}
		return fmt.Errorf("writing state: %w", err)
	}
	r.engine.recordStateWrite("ok")
	r.serial = serial
	r.doc.Serial = serial
	return nil
}

// resolve interpolates the declared attributes against current state.
// By the time an action launches every prerequisite has been applied
// and persisted, so a reference that still fails to resolve is a real
// error, not an ordering artifact.
func (r *run) resolve(c plan.Change) (map[string]any, error) {
	if c.Action == plan.ActionDelete {
		return nil, nil
	}
	spec, ok := r.graph.Spec(c.Addr)
	if !ok {
		return c.After, nil
	}
	attrs, err := graph.Interpolate(spec.Attributes, r.doc.Output)
	if err != nil {
		return nil, fmt.Errorf("resolving references for %s: %w", c.Addr, err)
	}
	return attrs, nil
}

func (r *run) pendingAddrs() []graph.Addr {
	addrs := make([]graph.Addr, 0, len(r.pending))
	for addr := range r.pending {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

func (r *run) depKeys(addr graph.Addr) []string {
	deps := r.graph.Dependencies(addr)
	if len(deps) == 0 {
		return nil
	}
	keys := make([]string, 0, len(deps))
	for _, d := range deps {
		keys = append(keys, d.String())
	}
	sort.Strings(keys)
	return keys
}

// perform executes one action against the provider, with retries for
// transient failures. Replace is lowered here: delete-then-create, or
// create-before-delete when the provider supports substitution.
func (e *Engine) perform(ctx context.Context, c plan.Change, attrs map[string]any, providerID string) (*provider.Remote, error) {
	adapter, err := e.registry.Lookup(c.Addr.Kind)
	if err != nil {
		return nil, err
	}

	switch c.Action {
	case plan.ActionCreate:
		return e.call(ctx, c.Addr.Kind, "create", func(ctx context.Context) (*provider.Remote, error) {
			return adapter.Create(ctx, attrs)
		})

	case plan.ActionUpdate:
		return e.call(ctx, c.Addr.Kind, "update", func(ctx context.Context) (*provider.Remote, error) {
			return adapter.Update(ctx, providerID, attrs)
		})

	case plan.ActionDelete:
		return nil, e.delete(ctx, adapter, c.Addr.Kind, providerID)

	case plan.ActionReplace:
		if c.CreateBeforeDelete {
			remote, err := e.call(ctx, c.Addr.Kind, "create", func(ctx context.Context) (*provider.Remote, error) {
				return adapter.Create(ctx, attrs)
			})
			if err != nil {
				return nil, err
			}
			if err := e.delete(ctx, adapter, c.Addr.Kind, providerID); err != nil {
				// The successor exists but the predecessor lingers;
				// tainting forces another replace which retries the
				// delete.
				return nil, fmt.Errorf("deleting replaced resource: %w", err)
			}
			return remote, nil
		}
		if err := e.delete(ctx, adapter, c.Addr.Kind, providerID); err != nil {
			return nil, fmt.Errorf("deleting for replacement: %w", err)
		}
		return e.call(ctx, c.Addr.Kind, "create", func(ctx context.Context) (*provider.Remote, error) {
			return adapter.Create(ctx, attrs)
		})

	default:
		return nil, fmt.Errorf("unexpected action %q for %s", c.Action, c.Addr)
	}
}

// delete removes the remote object. A resource that was never created
// (empty provider id, e.g. a tainted failed create) or is already gone
// counts as deleted.
func (e *Engine) delete(ctx context.Context, adapter provider.Adapter, kind, providerID string) error {
	if providerID == "" {
		return nil
	}
	_, err := e.call(ctx, kind, "delete", func(ctx context.Context) (*provider.Remote, error) {
		return nil, adapter.Delete(ctx, providerID)
	})
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *Engine) call(ctx context.Context, kind, op string, fn func(context.Context) (*provider.Remote, error)) (*provider.Remote, error) {
	var remote *provider.Remote
	start := time.Now()
	err := retry.Do(ctx, func() error {
		var err error
		remote, err = fn(ctx)
		return err
	}, e.retryOpts...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.recordProviderCall(kind, op, result, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return remote, nil
}
