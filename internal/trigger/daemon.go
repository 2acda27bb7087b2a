package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imld/daemon/internal/errors"
	"github.com/imld/daemon/internal/eventbus"
	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/logging"
	"github.com/imld/daemon/internal/store"
)

// SubmitFunc hands a fired trigger's plan template to the executor,
// returning the assigned plan id. CancelFunc cancels a running plan and
// blocks until its rollback sweep (if any) has completed, for preemption.
type SubmitFunc func(ctx context.Context, plan *iml.Plan, chainDepth int) (planID string, err error)
type CancelFunc func(planID string)

// Daemon owns every registered trigger's watcher goroutine, the priority
// fire scheduler, the resource-lock conflict resolver, and the 30-second
// health/expiry loop. It is the single place session.trigger_chain_depth
// propagation and the chain-depth guard are enforced.
type Daemon struct {
	mu       sync.RWMutex
	store    *store.Store
	bus      eventbus.Bus
	logger   logging.Logger
	submit   SubmitFunc
	cancel   CancelFunc
	sampler  func(ResourceMetric) (float64, error)
	procLister func() (map[string]bool, error)

	defs      map[string]*Definition
	watchers  map[string]Watcher
	composites map[string]*CompositeTracker
	fireWindow map[string][]time.Time // trigger_id -> recent fire timestamps, for max_fires_per_hour

	scheduler *PriorityScheduler
	conflicts *ConflictResolver

	ctx    context.Context
	cancelCtx context.CancelFunc
	wg     sync.WaitGroup
}

// DaemonConfig bundles the daemon's external collaborators.
type DaemonConfig struct {
	Store              *store.Store
	Bus                eventbus.Bus
	Logger             logging.Logger
	Submit             SubmitFunc
	Cancel             CancelFunc
	ResourceSampler    func(ResourceMetric) (float64, error)
	ProcessLister      func() (map[string]bool, error)
	MaxConcurrentPlans int
}

func NewDaemon(cfg DaemonConfig) *Daemon {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.MaxConcurrentPlans <= 0 {
		cfg.MaxConcurrentPlans = 5
	}
	return &Daemon{
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		submit:     cfg.Submit,
		cancel:     cfg.Cancel,
		sampler:    cfg.ResourceSampler,
		procLister: cfg.ProcessLister,
		defs:       make(map[string]*Definition),
		watchers:   make(map[string]Watcher),
		composites: make(map[string]*CompositeTracker),
		fireWindow: make(map[string][]time.Time),
		scheduler:  NewPriorityScheduler(cfg.MaxConcurrentPlans),
		conflicts:  NewConflictResolver(),
	}
}

// Start loads every enabled trigger from the store, instantiates its
// watcher, and begins the scheduler and health loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancelCtx = context.WithCancel(ctx)

	records, err := d.store.ListEnabledTriggers()
	if err != nil {
		return err
	}
	for _, rec := range records {
		var def Definition
		if err := json.Unmarshal([]byte(rec.Definition), &def); err != nil {
			d.logger.Warn("trigger: skipping unparsable definition", map[string]interface{}{"trigger_id": rec.TriggerID, "error": err.Error()})
			continue
		}
		if err := d.arm(&def); err != nil {
			d.logger.Warn("trigger: failed to arm trigger on load", map[string]interface{}{"trigger_id": def.TriggerID, "error": err.Error()})
		}
	}

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.scheduler.Run() }()
	go func() { defer d.wg.Done(); d.healthLoop() }()

	return nil
}

func (d *Daemon) Stop() {
	if d.cancelCtx != nil {
		d.cancelCtx()
	}
	d.mu.RLock()
	for _, w := range d.watchers {
		w.Stop()
	}
	d.mu.RUnlock()
	d.scheduler.Stop()
	d.wg.Wait()
}

// Register validates and persists a new trigger definition, enforcing the
// chain-depth guard, then arms its watcher if enabled.
func (d *Daemon) Register(def *Definition) error {
	if def.ChainDepth > def.EffectiveMaxChainDepth() {
		return errors.New("trigger.Register", errors.KindValidation, def.TriggerID,
			"chain_depth exceeds max_chain_depth", nil)
	}
	if def.TriggerID == "" {
		def.TriggerID = uuid.NewString()
	}
	def.State = StateRegistered

	if err := d.persist(def); err != nil {
		return err
	}
	if def.Enabled {
		return d.arm(def)
	}
	return nil
}

func (d *Daemon) persist(def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return d.store.SaveTrigger(&store.TriggerRecord{
		TriggerID:  def.TriggerID,
		Name:       def.Name,
		State:      string(def.State),
		Enabled:    def.Enabled,
		Definition: string(data),
		ExpiresAt:  def.ExpiresAt,
	})
}

// Activate/Deactivate flip a trigger's enabled flag and (dis)arm its
// watcher accordingly.
func (d *Daemon) Activate(triggerID string) error {
	d.mu.Lock()
	def, ok := d.defs[triggerID]
	d.mu.Unlock()
	if !ok {
		return errors.ErrTriggerNotFound
	}
	def.Enabled = true
	if err := d.persist(def); err != nil {
		return err
	}
	return d.arm(def)
}

func (d *Daemon) Deactivate(triggerID string) error {
	d.mu.Lock()
	def, ok := d.defs[triggerID]
	w, hasWatcher := d.watchers[triggerID]
	d.mu.Unlock()
	if !ok {
		return errors.ErrTriggerNotFound
	}
	def.Enabled = false
	def.State = StateInactive
	if hasWatcher {
		w.Stop()
		d.mu.Lock()
		delete(d.watchers, triggerID)
		d.mu.Unlock()
	}
	return d.persist(def)
}

func (d *Daemon) Unregister(triggerID string) error {
	d.mu.Lock()
	if w, ok := d.watchers[triggerID]; ok {
		w.Stop()
		delete(d.watchers, triggerID)
	}
	delete(d.defs, triggerID)
	delete(d.composites, triggerID)
	delete(d.fireWindow, triggerID)
	d.mu.Unlock()
	return nil
}

// arm instantiates and starts the watcher for a trigger condition (for
// COMPOSITE conditions, arms a tracker instead of a watcher; trackers are
// fed via ObserveFire after each sub-trigger fire is submitted, whether or
// not the submission succeeded, and NOT composites are also checked by the
// health loop's silence sweep).
func (d *Daemon) arm(def *Definition) error {
	d.mu.Lock()
	d.defs[def.TriggerID] = def
	d.mu.Unlock()

	if def.Condition.Kind == ConditionComposite {
		d.mu.Lock()
		d.composites[def.TriggerID] = NewCompositeTracker(*def.Condition.Composite)
		def.State = StateWatching
		d.mu.Unlock()
		return d.persist(def)
	}

	w, err := d.buildWatcher(def)
	if err != nil {
		def.State = StateFailed
		_ = d.persist(def)
		return err
	}

	d.mu.Lock()
	d.watchers[def.TriggerID] = w
	def.State = StateWatching
	d.mu.Unlock()
	_ = d.persist(def)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.Run(d.ctx, func() { d.onFire(def.TriggerID) }, func(err error) { d.onWatcherError(def.TriggerID, err) })
	}()
	return nil
}

func (d *Daemon) buildWatcher(def *Definition) (Watcher, error) {
	c := def.Condition
	switch c.Kind {
	case ConditionTemporal:
		switch c.Temporal.Kind {
		case TemporalInterval:
			return NewIntervalWatcher(time.Duration(c.Temporal.IntervalSeconds) * time.Second), nil
		case TemporalCron:
			return NewCronWatcher(c.Temporal.CronExpr)
		case TemporalOnce:
			at := time.Now()
			if c.Temporal.At != nil {
				at = *c.Temporal.At
			}
			return NewOnceWatcher(at), nil
		}
	case ConditionFilesystem:
		return NewFSWatcher(c.Filesystem.Path, c.Filesystem.Recursive, c.Filesystem.Events, d.logger), nil
	case ConditionProcess:
		interval := time.Duration(c.Process.PollIntervalSeconds) * time.Second
		return NewProcessWatcher(c.Process.ProcessName, c.Process.Event, interval, d.procLister), nil
	case ConditionResource:
		return NewResourceWatcher(c.Resource.Metric, c.Resource.Threshold, time.Duration(c.Resource.DurationSeconds)*time.Second, d.sampler), nil
	}
	return nil, errors.New("trigger.buildWatcher", errors.KindValidation, def.TriggerID, "unsupported condition kind", nil)
}

func (d *Daemon) onWatcherError(triggerID string, err error) {
	d.mu.Lock()
	def := d.defs[triggerID]
	if def != nil {
		def.State = StateFailed
		def.Health.RecordFailure(err)
	}
	d.mu.Unlock()
	if def != nil {
		_ = d.persist(def)
	}
	d.logger.Warn("trigger watcher error", map[string]interface{}{"trigger_id": triggerID, "error": err.Error()})
}

// onFire is the watcher fire callback: it applies throttling, then submits
// the fire to the priority scheduler.
func (d *Daemon) onFire(triggerID string) {
	d.mu.Lock()
	def := d.defs[triggerID]
	d.mu.Unlock()
	if def == nil {
		return
	}

	if d.isThrottled(def) {
		d.mu.Lock()
		def.State = StateThrottled
		def.Health.ThrottleCount++
		d.mu.Unlock()
		_ = d.persist(def)
		return
	}

	ok := d.scheduler.Submit(triggerID, def.Priority, func() { d.runFire(def) })
	if !ok {
		d.logger.Info("trigger fire rejected: already running", map[string]interface{}{"trigger_id": triggerID})
	}
}

func (d *Daemon) isThrottled(def *Definition) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.fireWindow[def.TriggerID]
	if def.Throttle.MinIntervalSeconds > 0 && len(history) > 0 {
		last := history[len(history)-1]
		if now.Sub(last) < time.Duration(def.Throttle.MinIntervalSeconds)*time.Second {
			return true
		}
	}
	if def.Throttle.MaxFiresPerHour > 0 {
		cutoff := now.Add(-time.Hour)
		kept := history[:0]
		for _, t := range history {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		history = kept
		if len(history) >= def.Throttle.MaxFiresPerHour {
			d.fireWindow[def.TriggerID] = history
			return true
		}
	}
	d.fireWindow[def.TriggerID] = append(history, now)
	return false
}

// runFire acquires the resource lock (if any), submits the plan, waits for
// it to be accepted, and records health. Invoked from the scheduler once
// admitted.
func (d *Daemon) runFire(def *Definition) {
	d.scheduler.MarkStarted(def.TriggerID)
	defer d.scheduler.MarkFinished(def.TriggerID)

	started := time.Now()

	acquired := true
	if def.ResourceLock != "" {
		acquired = d.conflicts.Acquire(def.ResourceLock, def.TriggerID, def.ConflictPolicy, func(holder string) {
			if d.cancel != nil {
				d.cancel(holder)
			}
		})
	}
	if !acquired {
		// A reject-policy lock denial is a throttle (the fire was dropped
		// because the resource was busy), not a watcher failure — it must
		// not bump fail_count / trip failure accounting.
		d.mu.Lock()
		def.State = StateThrottled
		def.Health.ThrottleCount++
		d.mu.Unlock()
		_ = d.persist(def)
		return
	}
	if def.ResourceLock != "" {
		defer d.conflicts.Release(def.ResourceLock, def.TriggerID)
	}

	d.mu.Lock()
	def.State = StateFired
	d.mu.Unlock()

	planID, err := d.submit(d.ctx, def.PlanTemplate, def.ChainDepth+1)

	d.mu.Lock()
	if err != nil {
		def.State = StateFailed
		def.Health.RecordFailure(err)
	} else {
		def.State = StateWatching
		def.Health.Record(time.Since(started))
	}
	d.mu.Unlock()
	_ = d.persist(def)

	if d.bus != nil {
		evt := &eventbus.UniversalEvent{
			ID:        uuid.NewString(),
			Type:      "trigger.fired",
			Topic:     "triggers/" + def.TriggerID + "/fired",
			Timestamp: time.Now(),
			Source:    "trigger-daemon",
			Payload:   map[string]interface{}{"trigger_id": def.TriggerID, "plan_id": planID},
		}
		_ = d.bus.Publish(d.ctx, evt)
	}

	d.ObserveFire(def.TriggerID)
}

// ObserveFire feeds every composite tracker watching this trigger id, and
// fires any composite whose condition is now satisfied.
func (d *Daemon) ObserveFire(triggerID string) {
	now := time.Now()
	d.mu.RLock()
	var toFire []string
	for id, tracker := range d.composites {
		def := d.defs[id]
		if def == nil {
			continue
		}
		contains := false
		for _, sub := range def.Condition.Composite.SubTriggerIDs {
			if sub == triggerID {
				contains = true
				break
			}
		}
		if contains && tracker.Observe(triggerID, now) {
			toFire = append(toFire, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range toFire {
		d.onFire(id)
	}
}

// healthLoop purges expired triggers and evaluates NOT-composite silence
// every 30 seconds.
func (d *Daemon) healthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired()
			d.checkSilences()
		}
	}
}

func (d *Daemon) sweepExpired() {
	ids, err := d.store.DeleteExpiredTriggers(time.Now().UTC())
	if err != nil {
		d.logger.Warn("trigger: expiry sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, id := range ids {
		d.Unregister(id)
		if d.bus != nil {
			_ = d.bus.Publish(d.ctx, &eventbus.UniversalEvent{
				ID: uuid.NewString(), Type: "trigger.expired", Topic: "triggers/" + id + "/expired",
				Timestamp: time.Now(), Source: "trigger-daemon", Payload: map[string]interface{}{"trigger_id": id},
			})
		}
	}
}

func (d *Daemon) checkSilences() {
	now := time.Now()
	d.mu.RLock()
	var toFire []string
	for id, tracker := range d.composites {
		def := d.defs[id]
		if def != nil && def.Condition.Composite != nil && def.Condition.Composite.Op == CompositeNot && tracker.CheckSilence(now) {
			toFire = append(toFire, id)
		}
	}
	d.mu.RUnlock()
	for _, id := range toFire {
		d.onFire(id)
	}
}

// List returns every currently known trigger definition.
func (d *Daemon) List() []*Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	return out
}

func (d *Daemon) Get(triggerID string) (*Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[triggerID]
	return def, ok
}
