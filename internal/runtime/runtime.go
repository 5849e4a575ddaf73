package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/presence"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/server"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"github.com/loqalabs/loqa-transcribe/internal/translate"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	retentionInterval = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu   sync.Mutex
	addr net.Addr

	eventStore *eventstore.Store
	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	presence   *presence.Registry
	registry   *session.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Ready reports whether the HTTP listener is accepting requests and the bus,
// when enabled, is connected.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	return r.busClient == nil || r.busClient.Healthy()
}

// Addr is the bound HTTP address, nil until Start has bound the listener.
func (r *Runtime) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Start wires every component, serves HTTP and blocks until ctx is cancelled
// or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer r.closeComponents()

	svc, err := r.build(ctx)
	if err != nil {
		return err
	}

	serverOpts := server.Options{
		KeyMode:        r.cfg.Sessions.KeyMode,
		MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
		Metrics:        metricHandler,
		Ready:          r.Ready,
	}
	if r.presence != nil {
		serverOpts.Nodes = r.presence.Nodes
	}
	handler := server.New(svc, serverOpts, r.logger)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	var metricsLn net.Listener
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricHandler != nil {
		metricsLn, err = net.Listen("tcp", bind)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen on %s: %w", bind, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		r.eventStore.RunRetention(gctx, retentionInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("translation_mode", r.cfg.Translation.Mode))

	return g.Wait()
}

// build constructs the transcription service and the infrastructure behind it.
func (r *Runtime) build(ctx context.Context) (*transcribe.Service, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.eventStore = store

	if err := r.connectBus(ctx); err != nil {
		return nil, err
	}

	var transcoder audio.Transcoder
	if r.cfg.Audio.Transcoder == "ffmpeg" {
		transcoder, err = audio.NewExecTranscoder(r.cfg.Audio.Command, r.cfg.Audio.TempDir)
		if err != nil {
			return nil, err
		}
	}
	normalizer := audio.NewNormalizer(transcoder, audio.Options{
		SampleRate:  r.cfg.Audio.SampleRate,
		Timeout:     r.cfg.Audio.Timeout(),
		WAVFastPath: r.cfg.Audio.WAVFastPath,
	}, r.logger)

	engine, err := stt.NewEngine(r.cfg.STT, r.cfg.Audio.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create stt engine: %w", err)
	}

	translator, err := translate.NewTranslator(r.cfg.Translation)
	if err != nil {
		return nil, fmt.Errorf("create translator: %w", err)
	}
	adapter := translate.NewAdapter(translator, r.cfg.Translation.TargetLanguage, r.cfg.Translation.Timeout(), r.logger)

	// Nil sinks stay untyped nil so the service can tell they are absent.
	var publisher transcribe.Publisher
	if r.busClient != nil {
		publisher = r.busClient
	}
	var recorder transcribe.Recorder
	if store.Enabled() {
		recorder = store
	}

	r.registry = session.NewRegistry(engine, session.Options{
		IdleTTL:       r.cfg.Sessions.IdleTTL(),
		SweepInterval: r.cfg.Sessions.SweepInterval(),
		MaxSessions:   r.cfg.Sessions.MaxSessions,
		Observers:     []session.Observer{transcribe.NewLifecycleObserver(publisher, recorder, r.logger)},
	}, r.logger)

	if r.busClient != nil {
		r.presence, err = presence.Start(ctx, presence.Options{
			Node:         r.cfg.Node,
			Capabilities: r.capabilities(engine, adapter),
			Load:         r.registry.Len,
		}, r.busClient, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start presence: %w", err)
		}
	}

	r.logger.Info("transcription pipeline ready",
		slog.String("engine", engine.Name()),
		slog.String("transcoder", r.cfg.Audio.Transcoder),
		slog.String("translation_target", adapter.Target()),
		slog.Bool("event_store", store.Enabled()),
		slog.Bool("bus", r.busClient != nil))

	return transcribe.NewService(transcribe.Deps{
		Normalizer: normalizer,
		Engine:     engine,
		Registry:   r.registry,
		Translator: adapter,
		Publisher:  publisher,
		Recorder:   recorder,
	}, transcribe.Options{
		Timeout:        r.cfg.STT.Timeout(),
		RecordPartials: r.cfg.EventStore.RetentionMode == "persistent",
	}, r.logger), nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return err
		}
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := bus.Connect(connectCtx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.busClient = client

	var maxAge time.Duration
	if days := r.cfg.EventStore.RetentionDays; days > 0 {
		maxAge = time.Duration(days) * 24 * time.Hour
	}
	subjects := []string{protocol.SubjectTranscriptFinal, protocol.SubjectSessionPrefix + ".>"}
	if err := client.EnsureStream(protocol.StreamTranscripts, subjects, maxAge); err != nil {
		return fmt.Errorf("ensure %s stream: %w", protocol.StreamTranscripts, err)
	}
	return nil
}

// capabilities describes what this gateway offers to peers.
func (r *Runtime) capabilities(engine stt.Engine, adapter *translate.Adapter) []presence.Capability {
	caps := []presence.Capability{{
		Name: "stt",
		Tier: engine.Name(),
		Attributes: map[string]string{
			"language":    r.cfg.STT.Language,
			"sample_rate": fmt.Sprint(r.cfg.Audio.SampleRate),
		},
	}}
	if target := adapter.Target(); target != "" {
		caps = append(caps, presence.Capability{
			Name:       "translation",
			Tier:       r.cfg.Translation.Mode,
			Attributes: map[string]string{"target_language": target},
		})
	}
	return caps
}

func (r *Runtime) closeComponents() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embedded.Shutdown()
	if err := r.eventStore.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
}
