// Package session owns the in-memory registry of live sessions.
//
// A Manager creates or hydrates a session on first use, keeps exactly one
// engine per session id for the lifetime of the process, and evicts idle
// sessions. It is passed explicitly to handlers; there is no package-level
// registry.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/engine"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/statelock"
	"github.com/louisbranch/wardsim/internal/services/sim/observability/metrics"
	"github.com/louisbranch/wardsim/internal/services/sim/persistence"
)

// DefaultIdleTTL is how long a session may sit unused before eviction.
const DefaultIdleTTL = 30 * time.Minute

// ErrSessionNotFound is returned by lookups for sessions not in memory.
var ErrSessionNotFound = apperrors.New(apperrors.CodeSessionNotFound, "session not found")

// Session is one live simulation run.
type Session struct {
	ID     string
	Budget *budget.Controller

	engine atomic.Pointer[engine.Engine]
}

// Engine returns the session's current engine.
func (s *Session) Engine() *engine.Engine {
	return s.engine.Load()
}

// State returns the engine snapshot with the live budget mirrored in.
func (s *Session) State() engine.State {
	return s.Engine().State()
}

type entry struct {
	session    *Session
	lastActive time.Time
	// uses counts Get, Open and Touch calls; Sweep evicts only when it is
	// unchanged since the session was picked.
	uses uint64
}

func (e *entry) mark(now time.Time) {
	e.lastActive = now
	e.uses++
}

// Config wires a Manager.
type Config struct {
	Catalog   *scenario.Catalog
	Persister *persistence.Persister
	Locks     *statelock.Locker
	Events    eventlog.Sink
	Metrics   *metrics.Metrics
	Budget    budget.Config
	// DefaultScenario is used when a session is created without one.
	DefaultScenario string
	IdleTTL         time.Duration
	Clock           func() time.Time
	Logf            func(string, ...any)
}

// Manager is the explicit session registry.
type Manager struct {
	cfg   Config
	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("scenario catalog is required")
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = statelock.New()
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.NewRing(0)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*entry)}, nil
}

// Locks returns the session lock table.
func (m *Manager) Locks() *statelock.Locker {
	return m.cfg.Locks
}

// Catalog returns the scenario catalog.
func (m *Manager) Catalog() *scenario.Catalog {
	return m.cfg.Catalog
}

// Persister returns the persister.
func (m *Manager) Persister() *persistence.Persister {
	return m.cfg.Persister
}

// Events returns the event-log sink.
func (m *Manager) Events() eventlog.Sink {
	return m.cfg.Events
}

// Now returns the manager clock.
func (m *Manager) Now() time.Time {
	return m.cfg.Clock()
}

// Len returns the number of sessions in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the in-memory session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a session already in memory and marks it active.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mark(m.cfg.Clock())
	return e.session, nil
}

// Open returns the in-memory session, hydrating or creating it on first use.
// Concurrent opens for the same id share a single hydration. Only an unknown
// scenario id fails the call.
func (m *Manager) Open(ctx context.Context, sessionID, scenarioID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "session id is required")
	}
	if s, err := m.Get(sessionID); err == nil {
		return s, nil
	}
	value, err, _ := m.group.Do(sessionID, func() (any, error) {
		if s, err := m.Get(sessionID); err == nil {
			return s, nil
		}
		s, err := m.load(ctx, sessionID, scenarioID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[sessionID] = &entry{session: s, lastActive: m.cfg.Clock()}
		count := len(m.sessions)
		m.mu.Unlock()
		m.cfg.Metrics.SetActiveSessions(count)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Session), nil
}

func (m *Manager) load(ctx context.Context, sessionID, scenarioID string) (*Session, error) {
	hydrated, err := m.cfg.Persister.LoadState(ctx, sessionID)
	if err != nil {
		// The store is unreachable; serve a fresh session and let the next
		// successful write reconcile.
		m.cfg.Logf("session hydration failed session_id=%s err=%v", sessionID, err)
		hydrated = persistence.Hydrated{}
	}

	s := &Session{ID: sessionID}
	s.Budget = budget.NewController(m.budgetConfig(sessionID))

	if hydrated.Found && !hydrated.Minimal {
		scn, err := m.cfg.Catalog.Get(hydrated.State.ScenarioID)
		if err == nil {
			s.Budget.Restore(hydrated.State.Budget)
			eng := engine.Restore(scn, hydrated.State)
			eng.SetBudget(s.Budget.State())
			s.engine.Store(eng)
			for _, issue := range hydrated.Issues {
				m.cfg.Metrics.ObserveHydrationIssue(issue.Code)
				m.appendEvent(ctx, sessionID, eventlog.TypeHydrationWarning, issue, "")
			}
			m.appendEvent(ctx, sessionID, eventlog.TypeSessionHydrated, map[string]any{
				"scenarioId": scn.ID,
				"stageId":    eng.State().StageID,
				"issues":     len(hydrated.Issues),
			}, "")
			return s, nil
		}
		if err != nil {
			m.cfg.Logf("hydrated scenario unavailable session_id=%s scenario_id=%s err=%v", sessionID, hydrated.State.ScenarioID, err)
		}
		s.Budget.Restore(hydrated.State.Budget)
	}

	if scenarioID == "" {
		scenarioID = m.cfg.DefaultScenario
	}
	scn, err := m.cfg.Catalog.Get(scenarioID)
	if err != nil {
		return nil, err
	}
	eng := engine.New(scn, sessionID, m.cfg.Clock())
	eng.SetBudget(s.Budget.State())
	s.engine.Store(eng)

	m.appendEvent(ctx, sessionID, eventlog.TypeSessionCreated, ScenarioPayload{
		ScenarioID: scn.ID,
		State:      eng.State(),
	}, "")
	if err := m.cfg.Locks.Do(sessionID, func() error {
		m.persist(ctx, s, "")
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) budgetConfig(sessionID string) budget.Config {
	cfg := m.cfg.Budget
	softHook, hardHook := cfg.OnSoftLimit, cfg.OnHardLimit
	cfg.OnSoftLimit = func(state budget.State) {
		m.cfg.Logf("budget throttled session_id=%s usd=%.4f", sessionID, state.USDEstimate)
		m.cfg.Metrics.ObserveBudgetLatch(budget.LevelThrottled.String())
		m.appendEvent(context.Background(), sessionID, eventlog.TypeBudgetThrottled, state, "")
		if softHook != nil {
			softHook(state)
		}
	}
	cfg.OnHardLimit = func(state budget.State) {
		m.cfg.Logf("budget fallback session_id=%s usd=%.4f", sessionID, state.USDEstimate)
		m.cfg.Metrics.ObserveBudgetLatch(budget.LevelFallback.String())
		m.appendEvent(context.Background(), sessionID, eventlog.TypeBudgetFallback, state, "")
		if hardHook != nil {
			hardHook(state)
		}
	}
	return cfg
}

// SelectScenario replaces the session's engine with a fresh run of
// scenarioID. The budget carries over. The caller must hold the session lock.
func (m *Manager) SelectScenario(ctx context.Context, s *Session, scenarioID, correlationID string) (engine.State, error) {
	scn, err := m.cfg.Catalog.Get(scenarioID)
	if err != nil {
		return engine.State{}, err
	}
	eng := engine.New(scn, s.ID, m.cfg.Clock())
	eng.SetBudget(s.Budget.State())
	s.engine.Store(eng)
	m.cfg.Persister.MarkDirty(s.ID)

	state := eng.State()
	m.appendEvent(ctx, s.ID, eventlog.TypeScenarioSelected, ScenarioPayload{
		ScenarioID: scn.ID,
		State:      state,
	}, correlationID)
	m.persist(ctx, s, correlationID)
	return state, nil
}

// Persist writes the session state. The caller must hold the session lock.
// Failures are logged and recorded; they never fail the caller.
func (m *Manager) Persist(ctx context.Context, s *Session, correlationID string) {
	m.persist(ctx, s, correlationID)
}

func (m *Manager) persist(ctx context.Context, s *Session, correlationID string) {
	outcome, err := m.cfg.Persister.Persist(ctx, s.ID, s.State())
	switch {
	case err != nil:
		m.cfg.Metrics.ObservePersist("failed")
		m.appendEvent(ctx, s.ID, eventlog.TypePersistFailed, map[string]string{
			"code":  string(apperrors.CodeOf(err)),
			"error": err.Error(),
		}, correlationID)
	case outcome.Written:
		m.cfg.Metrics.ObservePersist("written")
	default:
		m.cfg.Metrics.ObservePersist("skipped")
	}
}

// Touch marks a session active.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.mark(m.cfg.Clock())
	}
}

// Sweep evicts sessions idle for at least the TTL. Sessions whose lock is
// held are skipped. Each evicted session gets a final dirty write, and a
// session used while that write is in flight stays registered.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []string {
	type candidate struct {
		session *Session
		uses    uint64
	}
	m.mu.Lock()
	var candidates []candidate
	for id, e := range m.sessions {
		if now.Sub(e.lastActive) >= m.cfg.IdleTTL && !m.cfg.Locks.HasActiveLock(id) {
			candidates = append(candidates, candidate{session: e.session, uses: e.uses})
		}
	}
	m.mu.Unlock()

	untouched := func(c candidate) bool {
		e, ok := m.sessions[c.session.ID]
		return ok && e.session == c.session && e.uses == c.uses && now.Sub(e.lastActive) >= m.cfg.IdleTTL
	}

	var evicted []string
	for _, c := range candidates {
		s := c.session
		_, _, _ = statelock.TryWithLock(m.cfg.Locks, s.ID, func() (struct{}, error) {
			m.mu.Lock()
			stale := untouched(c)
			m.mu.Unlock()
			if !stale {
				return struct{}{}, nil
			}
			m.cfg.Persister.MarkDirty(s.ID)
			m.persist(ctx, s, "")

			m.mu.Lock()
			stale = untouched(c)
			if stale {
				delete(m.sessions, s.ID)
			}
			m.mu.Unlock()
			if !stale {
				return struct{}{}, nil
			}
			m.cfg.Persister.Forget(s.ID)
			m.appendEvent(ctx, s.ID, eventlog.TypeSessionEvicted, map[string]string{"reason": "idle"}, "")
			evicted = append(evicted, s.ID)
			return struct{}{}, nil
		})
	}
	sort.Strings(evicted)
	m.cfg.Metrics.SetActiveSessions(m.Len())
	return evicted
}

// Close flushes every session and empties the registry.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = m.cfg.Locks.Do(s.ID, func() error {
			m.cfg.Persister.MarkDirty(s.ID)
			m.persist(ctx, s, "")
			return nil
		})
	}
	m.mu.Lock()
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	m.cfg.Metrics.SetActiveSessions(0)
}

// AppendEvent records an event for a session, logging sink failures.
func (m *Manager) AppendEvent(ctx context.Context, sessionID string, typ eventlog.Type, payload any, correlationID string) {
	m.appendEvent(ctx, sessionID, typ, payload, correlationID)
}

func (m *Manager) appendEvent(ctx context.Context, sessionID string, typ eventlog.Type, payload any, correlationID string) {
	evt := eventlog.NewEvent(sessionID, typ, payload, correlationID, m.cfg.Clock())
	if err := m.cfg.Events.Append(ctx, evt); err != nil {
		m.cfg.Logf("event log append failed session_id=%s type=%s err=%v", sessionID, typ, err)
	}
}
