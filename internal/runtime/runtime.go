package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/speechcache"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	ready    atomic.Bool
	bus      *bus.Client
	relay    *relay.Server
	sessions *session.Manager
	store    *eventstore.Store
	addr     atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stderr,
	}
}

// Start brings up the bus, relay and session manager and serves HTTP until
// ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer r.shutdownTelemetry(tel)

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	defer r.bus.Close()

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer r.store.Close()

	if r.cfg.Relay.Enabled {
		r.relay, err = NewRelay(ctx, r.cfg.Relay, r.logger)
		if err != nil {
			return err
		}
		if err := r.relay.Start(); err != nil {
			return err
		}
		defer r.relay.Close()
	}

	if r.cfg.Sessions.Enabled {
		var cache speaker.Cache
		if r.cfg.Speaker.CacheSpeech {
			sc, err := speechcache.Open(ctx, r.cfg.Speaker.CachePath, r.logger)
			if err != nil {
				return fmt.Errorf("open speech cache: %w", err)
			}
			defer sc.Close()
			cache = sc
		}
		r.sessions, err = session.NewManager(ctx, r.cfg, r.bus, r.store, cache, r.logger)
		if err != nil {
			return err
		}
		defer r.sessions.Close()
	}

	return r.serve(ctx, tel.metrics)
}

func (r *Runtime) serve(ctx context.Context, metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if r.sessions != nil {
		r.registerSessionRoutes(mux)
	}

	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}
	r.addr.Store(listeners[0].Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Addr returns the address of the main HTTP listener once serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) shutdownTelemetry(tel *telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

// NewRelay builds a relay server with the backends named in cfg.
func NewRelay(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (*relay.Server, error) {
	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("relay llm: %w", err)
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("relay tts: %w", err)
	}
	rec, err := stt.New(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("relay stt: %w", err)
	}
	return relay.NewServer(ctx, cfg, gen, synth, rec, logger), nil
}

func (r *Runtime) healthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	return r.relay == nil || r.relay.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
