package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/wardsim/internal/platform/timeouts"
	"github.com/louisbranch/wardsim/internal/services/sim/api/natsbus"
	"github.com/louisbranch/wardsim/internal/services/sim/dispatch"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/budget"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/eventlog"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/scenario"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/statelock"
	"github.com/louisbranch/wardsim/internal/services/sim/domain/toolgate"
	"github.com/louisbranch/wardsim/internal/services/sim/observability/metrics"
	"github.com/louisbranch/wardsim/internal/services/sim/persistence"
	"github.com/louisbranch/wardsim/internal/services/sim/provider"
	"github.com/louisbranch/wardsim/internal/services/sim/session"
	"github.com/louisbranch/wardsim/internal/services/sim/storage"
	storagesqlite "github.com/louisbranch/wardsim/internal/services/sim/storage/sqlite"
)

// HealthService is the gRPC health service name reported by the sim server.
const HealthService = "wardsim.sim.v1.SessionService"

// Options configures a Server.
type Options struct {
	// HealthAddr is the gRPC health listen address.
	HealthAddr  string
	MetricsAddr string
	DBPath      string
	// NATSURL enables the NATS bus when set.
	NATSURL         string
	SubjectPrefix   string
	Rates           budget.Rates
	Limits          budget.Limits
	Debounce        time.Duration
	RingCapacity    int
	IdleTTL         time.Duration
	SweepInterval   time.Duration
	ScenarioDir     string
	DefaultScenario string
	ProviderURL     string
	ProviderModel   string
	ProviderAPIKey  string
	MaxOutputTokens int
}

// Server hosts the sim service.
type Server struct {
	listener      net.Listener
	grpcServer    *grpc.Server
	health        *health.Server
	metricsLn     net.Listener
	metricsServer *http.Server

	store      storage.Store
	natsConn   *nats.Conn
	bus        *natsbus.Bus
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	ring       *eventlog.Ring
	metrics    *metrics.Metrics
	sweepEvery time.Duration
}

// New opens the store and builds every component. Nothing is served until
// Serve is called.
func New(ctx context.Context, opts Options) (*Server, error) {
	catalog, err := loadCatalog(opts.ScenarioDir)
	if err != nil {
		return nil, err
	}
	if opts.DefaultScenario == "" {
		ids := catalog.IDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("scenario catalog is empty")
		}
		opts.DefaultScenario = ids[0]
	}
	if _, err := catalog.Get(opts.DefaultScenario); err != nil {
		return nil, fmt.Errorf("default scenario: %w", err)
	}

	store, err := openStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	s := &Server{store: store, metrics: metrics.New(), sweepEvery: opts.SweepInterval}
	fail := func(err error) (*Server, error) {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.metricsLn != nil {
			_ = s.metricsLn.Close()
		}
		s.closeResources()
		return nil, err
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = time.Minute
	}

	s.ring = eventlog.NewRing(opts.RingCapacity)
	events := eventlog.NewComposite(
		eventlog.WithSink("ring", s.ring),
		eventlog.WithSink("durable", storage.EventSink(store)),
	)

	extensions := persistence.NewExtensionRegistry()
	for _, id := range catalog.IDs() {
		scn, err := catalog.Get(id)
		if err != nil {
			return fail(err)
		}
		if len(scn.Extensions) > 0 {
			extensions.Register(scn.ID, persistence.AllowKeys(scn.Extensions...))
		}
	}
	persistOpts := []persistence.Option{persistence.WithExtensions(extensions)}
	if opts.Debounce > 0 {
		persistOpts = append(persistOpts, persistence.WithDebounce(opts.Debounce))
	}

	s.sessions, err = session.NewManager(session.Config{
		Catalog:         catalog,
		Persister:       persistence.New(store, persistOpts...),
		Locks:           statelock.New(statelock.WithObserver(s.metrics.LockObserver())),
		Events:          events,
		Metrics:         s.metrics,
		Budget:          budget.Config{Rates: opts.Rates, Limits: opts.Limits},
		DefaultScenario: opts.DefaultScenario,
		IdleTTL:         opts.IdleTTL,
	})
	if err != nil {
		return fail(err)
	}

	backend, err := newProvider(opts)
	if err != nil {
		return fail(err)
	}
	s.dispatcher = &dispatch.Dispatcher{
		Sessions:        s.sessions,
		Gate:            toolgate.New(toolgate.WithAuditor(dispatch.PolicyAuditor(s.sessions))),
		Provider:        backend,
		Stub:            provider.Stub{},
		Metrics:         s.metrics,
		MaxOutputTokens: opts.MaxOutputTokens,
	}

	if url := strings.TrimSpace(opts.NATSURL); url != "" {
		s.natsConn, err = natsbus.Dial(url)
		if err != nil {
			return fail(err)
		}
		s.bus = natsbus.New(s.natsConn, s.dispatcher, natsbus.Options{Prefix: opts.SubjectPrefix})
		s.dispatcher.Broadcaster = s.bus
	}

	s.listener, err = net.Listen("tcp", opts.HealthAddr)
	if err != nil {
		return fail(fmt.Errorf("listen on %s: %w", opts.HealthAddr, err))
	}
	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	if opts.MetricsAddr != "" {
		s.metricsLn, err = net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return fail(fmt.Errorf("listen on %s: %w", opts.MetricsAddr, err))
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: timeouts.ReadHeader}
	}
	return s, nil
}

func loadCatalog(dir string) (*scenario.Catalog, error) {
	catalog, err := scenario.EmbeddedCatalog()
	if err != nil {
		return nil, fmt.Errorf("load embedded scenarios: %w", err)
	}
	if dir = strings.TrimSpace(dir); dir == "" {
		return catalog, nil
	}
	extra, err := scenario.LoadFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("load scenarios from %s: %w", dir, err)
	}
	if err := catalog.Merge(extra); err != nil {
		return nil, err
	}
	return catalog, nil
}

func openStore(path string) (storage.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "sim.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := storagesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func newProvider(opts Options) (provider.Provider, error) {
	if strings.TrimSpace(opts.ProviderURL) == "" {
		return provider.Stub{}, nil
	}
	primary, err := provider.NewResponses(provider.ResponsesConfig{
		URL:             opts.ProviderURL,
		APIKey:          opts.ProviderAPIKey,
		Model:           opts.ProviderModel,
		MaxOutputTokens: opts.MaxOutputTokens,
		HTTPClient:      &http.Client{Timeout: timeouts.ProviderCall},
	})
	if err != nil {
		return nil, fmt.Errorf("configure ai provider: %w", err)
	}
	return provider.Fallback{Primary: primary, Secondary: provider.Stub{}}, nil
}

// Addr returns the gRPC health listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// MetricsAddr returns the metrics listener address, if any.
func (s *Server) MetricsAddr() string {
	if s == nil || s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}

// Dispatcher returns the message dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Events returns the in-memory event ring.
func (s *Server) Events() *eventlog.Ring {
	return s.ring
}

// Run creates and serves a sim server until ctx ends.
func Run(ctx context.Context, opts Options) error {
	server, err := New(ctx, opts)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs every listener and the sweeper until ctx ends or a server fails.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeResources()

	if s.bus != nil {
		if err := s.bus.Start(ctx); err != nil {
			return err
		}
		log.Printf("sim bus subscribed subject=%s", s.bus.InboundSubject())
	}

	log.Printf("sim health server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 2)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()
	if s.metricsServer != nil {
		log.Printf("sim metrics listening at %v", s.metricsLn.Addr())
		go func() {
			serveErr <- s.metricsServer.Serve(s.metricsLn)
		}()
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweep(sweepCtx)

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	s.shutdown()
	return handleErr(err)
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := s.sessions.Sweep(ctx, now); len(evicted) > 0 {
				log.Printf("sim sweeper evicted sessions count=%d ids=%v", len(evicted), evicted)
			}
		}
	}
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Printf("close sim bus: %v", err)
		}
	}
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown metrics server: %v", err)
		}
		cancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.sessions != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		s.sessions.Close(flushCtx)
		cancel()
	}
}

// closeResources releases the NATS connection and the store.
func (s *Server) closeResources() {
	if s.natsConn != nil {
		s.natsConn.Close()
		s.natsConn = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close sim store: %v", err)
		}
		s.store = nil
	}
}
