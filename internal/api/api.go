// Package api provides the FlowPipe HTTP server and wires the engine together.
//
// It exposes the inbound message webhook, operator endpoints for handoffs and
// failed continuations, a health check and the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/notify"
	"github.com/BTreeMap/FlowPipe/internal/pipeline"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// Opts holds configuration options for the API server and its background jobs.
type Opts struct {
	Addr        string // overrides API_ADDR
	FlowsFile   string // overrides FLOWPIPE_FLOWS_FILE
	TickSpec    string // cron spec of the continuation tick
	SweepSpec   string // cron spec of the stale-claim sweep
	NATSURL     string // handoff notifications go to NATS when set
	StaleAfter  time.Duration
	BatchSize   int
	ReadTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithFlowsFile sets the bot and flow definition file to load and watch.
func WithFlowsFile(path string) Option {
	return func(o *Opts) { o.FlowsFile = path }
}

// WithTickSpec sets the cron spec that drives delayed continuations.
func WithTickSpec(spec string) Option {
	return func(o *Opts) { o.TickSpec = spec }
}

// WithSweepSpec sets the cron spec of the stale-claim sweep.
func WithSweepSpec(spec string) Option {
	return func(o *Opts) { o.SweepSpec = spec }
}

// WithNATSURL publishes handoff notifications to the NATS server at url.
func WithNATSURL(url string) Option {
	return func(o *Opts) { o.NATSURL = url }
}

// WithStaleAfter sets how long a claimed continuation may run before it is failed.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// WithBatchSize sets how many due continuations one tick claims.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

func defaultOpts() Opts {
	return Opts{
		Addr:        os.Getenv("API_ADDR"),
		FlowsFile:   os.Getenv(config.EnvFlowsFile),
		TickSpec:    scheduler.DefaultTickSpec,
		SweepSpec:   scheduler.DefaultSweepSpec,
		StaleAfter:  flow.DefaultStaleAfter,
		BatchSize:   flow.DefaultBatchSize,
		ReadTimeout: 30 * time.Second,
	}
}

// Server holds the collaborators behind the HTTP handlers.
type Server struct {
	st       store.Store
	pipeline *pipeline.Pipeline
	handoffs *flow.Handoffs
	metrics  *metrics.Metrics

	// staleAfter marks processing claims older than this as stuck in /healthz.
	staleAfter time.Duration
	now        func() time.Time
}

// NewServer creates a Server.
func NewServer(st store.Store, p *pipeline.Pipeline, handoffs *flow.Handoffs, m *metrics.Metrics) *Server {
	return &Server{st: st, pipeline: p, handoffs: handoffs, metrics: m, staleAfter: flow.DefaultStaleAfter, now: time.Now}
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/conversations/", s.conversationsHandler)
	mux.HandleFunc("/scheduled-executions", s.scheduledExecutionsHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return otelhttp.NewHandler(s.metrics.Middleware(withRequestID(mux)), "flowpipe.http")
}

// Run builds every module from the given options, serves HTTP and blocks until
// SIGINT/SIGTERM or a fatal server error.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, msgOpts []messaging.Option, notifyOpts []notify.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("api.Run: store close failed", "error", err)
		}
	}()

	m := metrics.New()

	var gen pipeline.Generator
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("api.Run: GenAI client not configured, AI replies disabled", "error", err)
	} else {
		gen = client
	}

	var sender messaging.Service
	if tw, err := messaging.NewTwilioService(msgOpts...); err != nil {
		slog.Warn("api.Run: Twilio not configured, delayed messages are only logged", "error", err)
		sender = messaging.NewMockService()
	} else {
		sender = tw
	}
	defer sender.Stop()

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(cfg.NATSURL, notifyOpts...)
		if err != nil {
			return fmt.Errorf("failed to connect handoff notifier: %w", err)
		}
		defer nn.Close()
		notifier = nn
	}

	handoffs := flow.NewHandoffs(st, notifier, m)
	defer handoffs.Wait()

	execOpts := []flow.ExecutorOption{flow.WithMetrics(m)}
	pipeOpts := []pipeline.Option{pipeline.WithMetrics(m)}
	if gen != nil {
		execOpts = append(execOpts, flow.WithGenerator(gen))
		pipeOpts = append(pipeOpts, pipeline.WithGenerator(gen))
	}
	machine := flow.NewMachine(flow.NewExecutor(st, handoffs, execOpts...), st)
	delays := flow.NewDelayScheduler(st, machine, sender,
		flow.WithSchedulerMetrics(m),
		flow.WithStaleAfter(cfg.StaleAfter),
		flow.WithBatchSize(cfg.BatchSize),
		flow.WithSchedulerLocks(handoffs.Locks()),
	)

	if cfg.FlowsFile != "" {
		syncer := config.NewSyncer(st, delays)
		provider, err := config.NewFileProvider(cfg.FlowsFile, syncer.Apply, config.WithProviderMetrics(m))
		if err != nil {
			return fmt.Errorf("failed to watch flow definitions: %w", err)
		}
		defer provider.Close()
		pipeOpts = append(pipeOpts, pipeline.WithContextProvider(provider))
	} else {
		slog.Warn("api.Run: no flow definition file configured, relying on stored definitions")
	}

	p := pipeline.New(st, machine, flow.NewMatcher(st, m), handoffs, delays, pipeOpts...)

	cron := scheduler.NewScheduler()
	defer cron.Stop()
	if err := cron.ScheduleContinuations(cfg.TickSpec, cfg.SweepSpec, delays); err != nil {
		return fmt.Errorf("failed to schedule continuations: %w", err)
	}
	cron.CatchUp(delays)

	server := NewServer(st, p, handoffs, m)
	if cfg.StaleAfter > 0 {
		server.staleAfter = cfg.StaleAfter
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("FlowPipe API running", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("api.Run: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
