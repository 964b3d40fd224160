package router

import (
	"sync"
	"time"
)

// State is the circuit-breaker position for one provider.
type State int

const (
	Healthy State = iota
	Degraded
	Unavailable
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the health state machine.
type BreakerConfig struct {
	DegradedAfter    int           // consecutive failures before Healthy -> Degraded
	UnavailableAfter int           // consecutive failures before Degraded -> Unavailable
	FailureWindow    time.Duration // rolling window: older failures stop counting
	Cooldown         time.Duration // how long Unavailable blocks calls before a probe
}

// DefaultBreakerConfig matches production tuning: trip fast, probe every 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		DegradedAfter:    2,
		UnavailableAfter: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}
}

type providerHealth struct {
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	cooldownUntil       time.Time
	probing             bool // a half-open probe call is in flight
}

// HealthSnapshot is the externally visible health of one provider.
type HealthSnapshot struct {
	ProviderID          string    `json:"provider_id"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}

// HealthTracker holds per-provider breaker state. State is process-local and
// rebuilt from zero on restart; circuit breaking is a performance
// optimization, not a correctness requirement, so cross-instance convergence
// is eventual.
type HealthTracker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	byID map[string]*providerHealth
	now  func() time.Time // injectable clock for tests
}

// NewHealthTracker builds a tracker with every provider implicitly Healthy.
func NewHealthTracker(cfg BreakerConfig) *HealthTracker {
	return &HealthTracker{
		cfg:  cfg,
		byID: make(map[string]*providerHealth),
		now:  time.Now,
	}
}

func (t *HealthTracker) get(id string) *providerHealth {
	h, ok := t.byID[id]
	if !ok {
		h = &providerHealth{state: Healthy}
		t.byID[id] = h
	}
	return h
}

// TryAcquire reports whether a call to the provider may proceed, and whether
// that call is a half-open probe. For an Unavailable provider whose cooldown
// has elapsed it admits exactly one probe; concurrent callers are refused
// until the probe resolves via RecordSuccess, RecordFailure or ReleaseProbe.
// Callers must invoke this immediately before issuing the call.
func (t *HealthTracker) TryAcquire(id string) (allowed, probe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(id)
	if h.state != Unavailable {
		return true, false
	}
	if t.now().Before(h.cooldownUntil) {
		return false, false
	}
	if h.probing {
		return false, false
	}
	h.probing = true
	return true, true
}

// ReleaseProbe returns an acquired probe slot without recording an outcome.
// Used when the call could not be issued at all (e.g. adapter construction
// failed).
func (t *HealthTracker) ReleaseProbe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(id).probing = false
}

// RecordSuccess resets the provider to Healthy.
func (t *HealthTracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(id)
	h.state = Healthy
	h.consecutiveFailures = 0
	h.probing = false
}

// RecordFailure counts one failure and advances the state machine. Failures
// outside the rolling window restart the count. A failed half-open probe
// restarts the cooldown.
func (t *HealthTracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := t.get(id)

	if h.probing {
		h.probing = false
		h.lastFailure = now
		h.cooldownUntil = now.Add(t.cfg.Cooldown)
		return // stays Unavailable
	}

	if !h.lastFailure.IsZero() && now.Sub(h.lastFailure) > t.cfg.FailureWindow {
		h.consecutiveFailures = 0
	}
	h.consecutiveFailures++
	h.lastFailure = now

	switch {
	case h.consecutiveFailures >= t.cfg.UnavailableAfter:
		h.state = Unavailable
		h.cooldownUntil = now.Add(t.cfg.Cooldown)
	case h.consecutiveFailures >= t.cfg.DegradedAfter:
		h.state = Degraded
	}
}

// StateOf returns the current state and last failure time for a provider.
func (t *HealthTracker) StateOf(id string) (State, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.get(id)
	return h.state, h.lastFailure
}

// Snapshot lists the health of every provider seen so far.
func (t *HealthTracker) Snapshot() []HealthSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(t.byID))
	for id, h := range t.byID {
		out = append(out, HealthSnapshot{
			ProviderID:          id,
			State:               h.state.String(),
			ConsecutiveFailures: h.consecutiveFailures,
			LastFailure:         h.lastFailure,
			CooldownUntil:       h.cooldownUntil,
		})
	}
	return out
}
