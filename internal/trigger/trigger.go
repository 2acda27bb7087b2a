// Package trigger implements the persistent reactive engine: trigger
// definitions, their lifecycle state machine, the watcher types backing
// each condition kind, the priority fire scheduler, the resource-lock
// conflict resolver, and the chain-depth guard.
package trigger

import (
	"time"

	"github.com/imld/daemon/internal/iml"
)

// State is the trigger lifecycle state.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateInactive   State = "INACTIVE"
	StateActive     State = "ACTIVE"
	StateWatching   State = "WATCHING"
	StateThrottled  State = "THROTTLED"
	StateFired      State = "FIRED"
	StateFailed     State = "FAILED"
)

// Priority orders fires in the scheduler's min-heap; CRITICAL is most
// urgent (zero value).
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// ConflictPolicy controls behaviour when a trigger's resource_lock is held.
type ConflictPolicy string

const (
	ConflictQueue   ConflictPolicy = "queue"
	ConflictPreempt ConflictPolicy = "preempt"
	ConflictReject  ConflictPolicy = "reject"
)

// ConditionKind discriminates the TriggerCondition union.
type ConditionKind string

const (
	ConditionTemporal   ConditionKind = "TEMPORAL"
	ConditionFilesystem ConditionKind = "FILESYSTEM"
	ConditionProcess    ConditionKind = "PROCESS"
	ConditionResource   ConditionKind = "RESOURCE"
	ConditionComposite  ConditionKind = "COMPOSITE"
)

// TemporalKind distinguishes interval/cron/once watchers.
type TemporalKind string

const (
	TemporalInterval TemporalKind = "interval"
	TemporalCron     TemporalKind = "cron"
	TemporalOnce     TemporalKind = "once"
)

// FSEventKind is one filesystem event a watcher may react to.
type FSEventKind string

const (
	FSCreated  FSEventKind = "created"
	FSModified FSEventKind = "modified"
	FSDeleted  FSEventKind = "deleted"
)

// ProcessEventKind is one process lifecycle transition.
type ProcessEventKind string

const (
	ProcessStarted ProcessEventKind = "started"
	ProcessStopped ProcessEventKind = "stopped"
)

// ResourceMetric is one polled system metric.
type ResourceMetric string

const (
	MetricCPUPercent    ResourceMetric = "cpu_percent"
	MetricMemoryPercent ResourceMetric = "memory_percent"
	MetricDiskPercent   ResourceMetric = "disk_percent"
)

// CompositeOp is one composite-trigger combination rule.
type CompositeOp string

const (
	CompositeAnd    CompositeOp = "AND"
	CompositeOr     CompositeOp = "OR"
	CompositeNot    CompositeOp = "NOT"
	CompositeSeq    CompositeOp = "SEQ"
	CompositeWindow CompositeOp = "WINDOW"
)

// Condition is the discriminated union of trigger conditions.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// TEMPORAL
	Temporal *TemporalCondition `json:"temporal,omitempty"`
	// FILESYSTEM
	Filesystem *FilesystemCondition `json:"filesystem,omitempty"`
	// PROCESS
	Process *ProcessCondition `json:"process,omitempty"`
	// RESOURCE
	Resource *ResourceCondition `json:"resource,omitempty"`
	// COMPOSITE
	Composite *CompositeCondition `json:"composite,omitempty"`
}

type TemporalCondition struct {
	Kind           TemporalKind `json:"kind"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	CronExpr       string       `json:"cron_expr,omitempty"`
	At             *time.Time   `json:"at,omitempty"`
}

type FilesystemCondition struct {
	Path      string        `json:"path"`
	Recursive bool          `json:"recursive"`
	Events    []FSEventKind `json:"events"`
}

type ProcessCondition struct {
	ProcessName        string           `json:"process_name"`
	Event              ProcessEventKind `json:"event"`
	PollIntervalSeconds int             `json:"poll_interval_seconds,omitempty"`
}

type ResourceCondition struct {
	Metric          ResourceMetric `json:"metric"`
	Threshold       float64        `json:"threshold"`
	DurationSeconds int            `json:"duration_seconds"`
}

type CompositeCondition struct {
	Op             CompositeOp  `json:"op"`
	SubTriggerIDs  []string     `json:"sub_trigger_ids"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	SilenceSeconds int          `json:"silence_seconds,omitempty"`
	WindowSeconds  int          `json:"window_seconds,omitempty"`
	WindowCount    int          `json:"window_count,omitempty"`
}

// Throttle bounds a trigger's fire rate.
type Throttle struct {
	MinIntervalSeconds int `json:"min_interval_seconds"`
	MaxFiresPerHour    int `json:"max_fires_per_hour"`
}

// Health tracks a trigger's operational history.
type Health struct {
	FireCount     int        `json:"fire_count"`
	FailCount     int        `json:"fail_count"`
	ThrottleCount int        `json:"throttle_count"`
	LastError     string     `json:"last_error,omitempty"`
	LatencyEMAms  float64    `json:"latency_ema_ms"`
	LastFiredAt   *time.Time `json:"last_fired_at,omitempty"`
}

// latencyEMAAlpha is the exponential moving average smoothing factor for
// per-fire latency, per the daemon's health accounting design.
const latencyEMAAlpha = 0.3

// Record updates fire_count and the latency EMA for a successful fire.
func (h *Health) Record(latency time.Duration) {
	h.FireCount++
	ms := float64(latency.Milliseconds())
	if h.FireCount == 1 {
		h.LatencyEMAms = ms
	} else {
		h.LatencyEMAms = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*h.LatencyEMAms
	}
	now := time.Now()
	h.LastFiredAt = &now
}

// RecordFailure updates fail_count and the last error.
func (h *Health) RecordFailure(err error) {
	h.FailCount++
	if err != nil {
		h.LastError = err.Error()
	}
}

// Definition is a persistent rule that submits a plan when its condition
// fires.
type Definition struct {
	TriggerID      string          `json:"trigger_id"`
	Name           string          `json:"name"`
	State          State           `json:"state"`
	Enabled        bool            `json:"enabled"`
	Condition      Condition       `json:"condition"`
	PlanTemplate   *iml.Plan       `json:"plan_template"`
	Priority       Priority        `json:"priority"`
	Throttle       Throttle        `json:"throttle"`
	ResourceLock   string          `json:"resource_lock,omitempty"`
	ConflictPolicy ConflictPolicy  `json:"conflict_policy"`
	MaxChainDepth  int             `json:"max_chain_depth"`
	ChainDepth     int             `json:"chain_depth"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Health         Health          `json:"health"`
}

// DefaultMaxChainDepth is the chain-depth ceiling applied when a trigger
// definition doesn't specify one.
const DefaultMaxChainDepth = 5

// EffectiveMaxChainDepth returns MaxChainDepth, defaulting to 5.
func (d *Definition) EffectiveMaxChainDepth() int {
	if d.MaxChainDepth == 0 {
		return DefaultMaxChainDepth
	}
	return d.MaxChainDepth
}
