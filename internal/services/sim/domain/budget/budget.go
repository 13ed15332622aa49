// Package budget accumulates estimated AI-usage cost for a session and
// latches soft (throttle) and hard (fallback) thresholds.
//
// The latch is a forward-only state machine: idle -> throttled -> fallback.
// Advance is the pure transition function; Controller wraps it with
// accumulation, locking, and fire-once callbacks.
package budget

import (
	"sync"
)

// Level is the latched budget level.
type Level int

const (
	LevelIdle Level = iota
	LevelThrottled
	LevelFallback
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelThrottled:
		return "throttled"
	case LevelFallback:
		return "fallback"
	default:
		return "idle"
	}
}

// Limits holds the soft and hard USD thresholds. A zero threshold is disabled.
type Limits struct {
	SoftUSD float64
	HardUSD float64
}

// Advance returns the next level for a cumulative cost. It never moves
// backwards: a level once reached is kept regardless of usd.
func Advance(prev Level, usd float64, limits Limits) Level {
	next := LevelIdle
	switch {
	case limits.HardUSD > 0 && usd >= limits.HardUSD:
		next = LevelFallback
	case limits.SoftUSD > 0 && usd >= limits.SoftUSD:
		next = LevelThrottled
	}
	if next < prev {
		return prev
	}
	return next
}

// Rates prices each usage unit in USD.
type Rates struct {
	USDPerInputToken  float64
	USDPerOutputToken float64
	USDPerVoiceSecond float64
}

// Cost prices one usage record.
func (r Rates) Cost(u Usage) float64 {
	return float64(u.InputTokens)*r.USDPerInputToken +
		float64(u.OutputTokens)*r.USDPerOutputToken +
		u.VoiceSeconds*r.USDPerVoiceSecond
}

// Usage is one provider call's counters.
type Usage struct {
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	VoiceSeconds float64 `json:"voiceSeconds,omitempty"`
}

// State is a budget snapshot.
type State struct {
	USDEstimate  float64 `json:"usdEstimate"`
	Throttled    bool    `json:"throttled"`
	Fallback     bool    `json:"fallback"`
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	VoiceSeconds float64 `json:"voiceSeconds,omitempty"`
}

// Level derives the latch level from the flags.
func (s State) Level() Level {
	switch {
	case s.Fallback:
		return LevelFallback
	case s.Throttled:
		return LevelThrottled
	default:
		return LevelIdle
	}
}

// Config configures a Controller.
type Config struct {
	Rates  Rates
	Limits Limits
	// OnSoftLimit fires once when the soft threshold is first crossed.
	OnSoftLimit func(State)
	// OnHardLimit fires once when the hard threshold is first crossed.
	OnHardLimit func(State)
}

// Controller accumulates usage for one session.
type Controller struct {
	mu    sync.Mutex
	cfg   Config
	state State
	level Level
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Restore seeds the controller from persisted state without firing callbacks.
// Latches found set in the snapshot stay set.
func (c *Controller) Restore(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.level = Advance(state.Level(), state.USDEstimate, c.cfg.Limits)
	c.state.Throttled = c.level >= LevelThrottled
	c.state.Fallback = c.level >= LevelFallback
}

// AddUsage accumulates usage, advances the latch, and fires any callbacks
// whose threshold was crossed by this call. Callbacks run after the internal
// lock is released and receive the post-update snapshot.
func (c *Controller) AddUsage(u Usage) State {
	c.mu.Lock()
	c.state.InputTokens += u.InputTokens
	c.state.OutputTokens += u.OutputTokens
	c.state.VoiceSeconds += u.VoiceSeconds
	c.state.USDEstimate += c.cfg.Rates.Cost(u)

	prev := c.level
	c.level = Advance(prev, c.state.USDEstimate, c.cfg.Limits)
	c.state.Throttled = c.level >= LevelThrottled
	c.state.Fallback = c.level >= LevelFallback
	snapshot := c.state
	c.mu.Unlock()

	if prev < LevelThrottled && snapshot.Level() >= LevelThrottled && c.cfg.OnSoftLimit != nil {
		c.cfg.OnSoftLimit(snapshot)
	}
	if prev < LevelFallback && snapshot.Level() >= LevelFallback && c.cfg.OnHardLimit != nil {
		c.cfg.OnHardLimit(snapshot)
	}
	return snapshot
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
