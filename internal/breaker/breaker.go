// Package breaker implements a per-agent circuit breaker that protects the
// broker from hammering an agent that is failing its task invocations: a
// map of per-agent breakers behind a RWMutex, each one independently
// mutex-guarded, tracking a rolling window of success/failure outcomes and
// a closed/open/half-open state machine.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskbroker/pkg/config"
)

// breakerState is package-scope (rather than a Breaker field) for the same
// reason as notifier's call counters: promauto registers against the
// default registry once, and a broker process only ever needs one such
// series regardless of how many Breaker values it constructs.
var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "taskbroker_breaker_state",
		Help: "Circuit breaker state per agent: 0=closed, 1=half_open, 2=open",
	},
	[]string{"agent_id"},
)

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the circuit is open (or half-open and
// already has a trial request in flight) and the caller must not dispatch.
var ErrOpen = fmt.Errorf("breaker: circuit open")

// Breaker tracks one circuit breaker per agent id.
type Breaker struct {
	cfg    config.BreakerConfig
	mu     sync.RWMutex
	agents map[string]*agentBreaker
}

// New creates a Breaker using cfg for every agent it tracks.
func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, agents: make(map[string]*agentBreaker)}
}

func (b *Breaker) get(agentID string) *agentBreaker {
	b.mu.RLock()
	ab, ok := b.agents[agentID]
	b.mu.RUnlock()
	if ok {
		return ab
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ab, ok := b.agents[agentID]; ok {
		return ab
	}
	ab = newAgentBreaker(b.cfg, agentID)
	b.agents[agentID] = ab
	return ab
}

// Allow reports whether a task may be dispatched to agentID right now. It
// returns ErrOpen when the breaker is open or (in half-open) already
// committed to a trial request.
func (b *Breaker) Allow(agentID string) error {
	return b.get(agentID).allow()
}

// RecordSuccess registers a successful task completion against agentID.
func (b *Breaker) RecordSuccess(agentID string) {
	b.get(agentID).recordOutcome(true)
}

// RecordFailure registers a failed task completion against agentID.
func (b *Breaker) RecordFailure(agentID string) {
	b.get(agentID).recordOutcome(false)
}

// State reports the current state of agentID's breaker.
func (b *Breaker) State(agentID string) State {
	return b.get(agentID).currentState()
}

type outcome struct {
	at      time.Time
	success bool
}

type agentBreaker struct {
	cfg     config.BreakerConfig
	agentID string

	mu               sync.Mutex
	state            State
	outcomes         []outcome
	openedAt         time.Time
	halfOpenInFlight bool
	halfOpenSuccess  int
}

func newAgentBreaker(cfg config.BreakerConfig, agentID string) *agentBreaker {
	ab := &agentBreaker{cfg: cfg, agentID: agentID, state: StateClosed}
	breakerState.WithLabelValues(agentID).Set(stateValue(StateClosed))
	return ab
}

// setState transitions to s and reflects it in the gauge. Caller must hold ab.mu.
func (ab *agentBreaker) setState(s State) {
	ab.state = s
	breakerState.WithLabelValues(ab.agentID).Set(stateValue(s))
}

func (ab *agentBreaker) allow() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	switch ab.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(ab.openedAt) >= time.Duration(ab.cfg.RecoveryTimeoutMs)*time.Millisecond {
			ab.setState(StateHalfOpen)
			ab.halfOpenInFlight = true
			ab.halfOpenSuccess = 0
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if ab.halfOpenInFlight {
			return ErrOpen
		}
		ab.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

func (ab *agentBreaker) recordOutcome(success bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	now := time.Now()

	switch ab.state {
	case StateHalfOpen:
		ab.halfOpenInFlight = false
		if !success {
			ab.trip(now)
			return
		}
		ab.halfOpenSuccess++
		if ab.halfOpenSuccess >= ab.cfg.SuccessThresholdCount {
			ab.setState(StateClosed)
			ab.outcomes = nil
		}
		return
	case StateOpen:
		// A late result from before the trip; ignore for state purposes.
		return
	}

	ab.outcomes = append(ab.outcomes, outcome{at: now, success: success})
	ab.pruneWindow(now)

	if len(ab.outcomes) < ab.cfg.MinimumRequestCount {
		return
	}

	failures := 0
	for _, o := range ab.outcomes {
		if !o.success {
			failures++
		}
	}
	failurePct := failures * 100 / len(ab.outcomes)
	if failurePct >= ab.cfg.FailurePercentageThreshold {
		ab.trip(now)
	}
}

func (ab *agentBreaker) trip(now time.Time) {
	ab.setState(StateOpen)
	ab.openedAt = now
	ab.halfOpenInFlight = false
	ab.outcomes = nil
}

func (ab *agentBreaker) pruneWindow(now time.Time) {
	window := time.Duration(ab.cfg.WindowSizeMs) * time.Millisecond
	cut := len(ab.outcomes)
	for i, o := range ab.outcomes {
		if now.Sub(o.at) <= window {
			cut = i
			break
		}
	}
	ab.outcomes = ab.outcomes[cut:]
}

func (ab *agentBreaker) currentState() State {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.state
}
