// Package app wires all Nevil subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the actors until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevice, WithPlayer, WithMemoryStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/nevil-robotics/nevil/internal/bus"
	"github.com/nevil-robotics/nevil/internal/capture"
	"github.com/nevil-robotics/nevil/internal/cognition"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/health"
	"github.com/nevil-robotics/nevil/internal/micgate"
	"github.com/nevil-robotics/nevil/internal/observe"
	"github.com/nevil-robotics/nevil/internal/playback"
	"github.com/nevil-robotics/nevil/internal/synthesis"
	"github.com/nevil-robotics/nevil/internal/tools"
	"github.com/nevil-robotics/nevil/pkg/audio"
	"github.com/nevil-robotics/nevil/pkg/memory"
	"github.com/nevil-robotics/nevil/pkg/memory/embed"
	memorypg "github.com/nevil-robotics/nevil/pkg/memory/postgres"
	"github.com/nevil-robotics/nevil/pkg/realtime"
)

const defaultModel = "gpt-4o-realtime-preview"

// transcriptionModel transcribes committed user audio server-side; cognition
// needs the resulting transcription events for voice commands.
const transcriptionModel = "whisper-1"

// App owns all subsystem lifetimes and orchestrates the Nevil voice pipeline.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	bus       *bus.Bus
	gate      *micgate.Gate
	transport *realtime.Transport
	registry  *tools.Registry
	bridge    *tools.MCPBridge
	capture   *capture.Actor
	synthesis *synthesis.Actor
	cognition *cognition.Actor
	admin     *http.Server

	// Injectable seams.
	device    capture.Device
	player    playback.Player
	store     memory.Store
	embedder  memory.Embedder
	describer cognition.Describer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of opening the ALSA device.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithPlayer injects a playback implementation instead of aplay.
func WithPlayer(p playback.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMemoryStore injects a memory store instead of connecting to Postgres.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEmbedder injects an embedder instead of creating the OpenAI one.
func WithEmbedder(e memory.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// WithDescriber injects a camera frame describer.
func WithDescriber(d cognition.Describer) Option {
	return func(a *App) { a.describer = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any seam.
//
// New performs all initialisation synchronously: memory store connection,
// tool registration, MCP server connection, transport construction and actor
// assembly. The realtime session is not dialled until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:  cfg,
		bus:  bus.New(),
		gate: micgate.New(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initActors(); err != nil {
		return nil, fmt.Errorf("app: init actors: %w", err)
	}
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.initAdmin()

	// The bus goes down last so that teardown of everything above can still
	// publish status messages.
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the pgvector store and the embedder. Without a DSN the
// robot runs with long-term memory disabled.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Memory.PostgresDSN
		if dsn == "" {
			slog.Info("long-term memory disabled, no postgres_dsn configured")
			return nil
		}
		dims := a.cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = 1536 // matches text-embedding-3-small
		}
		store, err := memorypg.New(ctx, dsn, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.embedder == nil {
		emb, err := embed.NewOpenAI(a.cfg.Session.APIKey, "")
		if err != nil {
			return err
		}
		a.embedder = emb
	}
	return nil
}

// initTools builds the registry: builtins first, then every configured MCP
// server's catalogue.
func (a *App) initTools(ctx context.Context) error {
	a.registry = tools.NewRegistry()

	builtins := &tools.Builtins{
		Bus:      a.bus,
		Gate:     a.gate,
		Memory:   a.store,
		Embedder: a.embedder,
	}
	if err := builtins.RegisterAll(a.registry); err != nil {
		return err
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	a.bridge = tools.NewMCPBridge()
	a.closers = append(a.closers, func() error {
		a.bridge.Close()
		return nil
	})
	for _, srv := range a.cfg.MCP.Servers {
		if err := a.bridge.Connect(ctx, srv, a.registry); err != nil {
			return err
		}
		slog.Info("connected MCP server", "name", srv.Name)
	}
	return nil
}

// initActors constructs the transport and the three pipeline actors. The mic
// gate hold acquired by capture at commit time travels to synthesis over the
// holds channel; synthesis releases it after playback.
func (a *App) initActors() error {
	model := a.cfg.Session.Model
	if model == "" {
		model = defaultModel
	}

	session := realtime.SessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   a.cfg.Session.Voice,
		Instructions:            a.cfg.Session.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &realtime.AudioTranscription{Model: transcriptionModel},
		Tools:                   a.registry.SessionTools(),
	}
	if !a.cfg.Audio.GateOnSilenceEnabled() {
		// Client gating off: the server's turn detection is authoritative.
		session.TurnDetection = &realtime.TurnDetection{Type: "server_vad"}
	}

	a.transport = realtime.New(realtime.Config{
		Endpoint:  a.cfg.Session.URL,
		Model:     model,
		AuthToken: a.cfg.Session.APIKey,
		Session:   session,
	})

	if a.device == nil {
		dev, err := capture.OpenALSA(a.cfg.Audio.CaptureDevice, audio.DefaultFormat)
		if err != nil {
			return err
		}
		a.device = dev
		a.closers = append(a.closers, dev.Close)
	}
	if a.player == nil {
		a.player = &playback.ALSAPlayer{Device: a.cfg.Audio.PlaybackDevice}
	}

	holds := make(chan *micgate.Hold, 1)

	a.capture = capture.New(a.device, a.transport, a.bus, a.gate,
		captureConfig(a.cfg.Audio), capture.WithHoldHandoff(holds))

	syn, err := synthesis.New(a.transport, a.bus, a.gate, a.player, synthesis.Config{
		WAVDir:    a.cfg.Synthesis.WAVDir,
		Retention: a.cfg.Synthesis.Retention,
		Voice:     a.cfg.Session.Voice,
	}, synthesis.WithHoldAdoption(holds))
	if err != nil {
		return err
	}
	a.synthesis = syn

	if a.describer == nil && a.cfg.Session.APIKey != "" {
		d, err := cognition.NewOpenAIDescriber(a.cfg.Session.APIKey, a.cfg.Cognition.VisionModel)
		if err != nil {
			return err
		}
		a.describer = d
	}
	var cogOpts []cognition.Option
	if a.describer != nil {
		cogOpts = append(cogOpts, cognition.WithDescriber(a.describer))
	}
	a.cognition = cognition.New(a.transport, a.bus, a.registry, cognition.Config{
		MaxToolChain: a.cfg.Cognition.MaxToolChain,
	}, cogOpts...)

	return nil
}

// initMetrics exposes the pipeline counters as observable instruments on the
// global meter provider.
func (a *App) initMetrics() error {
	reg, err := observe.RegisterSources(otel.GetMeterProvider(), []observe.Int64Source{
		{Name: "nevil.capture.chunks_sent", Description: "Audio chunks uploaded to the session.",
			Value: func() int64 { return a.capture.Stats().ChunksSent }},
		{Name: "nevil.capture.chunks_skipped", Description: "Audio chunks withheld as silence.",
			Value: func() int64 { return a.capture.Stats().ChunksSkipped }},
		{Name: "nevil.capture.read_errors", Description: "Capture device read failures.",
			Value: func() int64 { return a.capture.Stats().ReadErrors }},
		{Name: "nevil.transport.events_sent", Description: "Client events written to the session.",
			Value: func() int64 { return a.transport.Stats().EventsSent }},
		{Name: "nevil.transport.events_received", Description: "Server events received from the session.",
			Value: func() int64 { return a.transport.Stats().EventsReceived }},
		{Name: "nevil.transport.reconnects", Description: "Session reconnects.",
			Value: func() int64 { return a.transport.Stats().Reconnects }},
		{Name: "nevil.bus.published", Description: "Bus messages delivered.",
			Value: a.bus.Published},
		{Name: "nevil.bus.dropped", Description: "Bus messages dropped on full subscriber queues.",
			Value: a.bus.Dropped},
		{Name: "nevil.synthesis.files_written", Description: "Response WAVs persisted.",
			Value: func() int64 { return a.synthesis.Stats().FilesWritten }},
		{Name: "nevil.synthesis.files_played", Description: "Response WAVs played to completion.",
			Value: func() int64 { return a.synthesis.Stats().FilesPlayed }},
		{Name: "nevil.synthesis.playback_failures", Description: "Playback attempts that failed.",
			Value: func() int64 { return a.synthesis.Stats().PlaybackFails }},
		{Name: "nevil.cognition.tool_calls", Description: "Tool invocations dispatched.",
			Value: func() int64 { return a.cognition.Stats().ToolCalls }},
		{Name: "nevil.cognition.tool_errors", Description: "Tool invocations that failed.",
			Value: func() int64 { return a.cognition.Stats().ToolErrors }},
		{Name: "nevil.cognition.commands_matched", Description: "Spoken directives short-circuited.",
			Value: func() int64 { return a.cognition.Stats().CommandsMatched }},
		{Name: "nevil.cognition.frames_described", Description: "Camera frames described.",
			Value: func() int64 { return a.cognition.Stats().FramesDescribed }},
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { return reg.Unregister() })
	return nil
}

// initAdmin builds the admin HTTP server with health probes and the
// Prometheus scrape endpoint. Disabled when no address is configured.
func (a *App) initAdmin() {
	if a.cfg.Server.AdminAddr == "" {
		return
	}

	checkers := []health.Checker{
		health.SessionChecker(a.transport.Connected),
	}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("memory", p))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.admin = &http.Server{
		Addr:              a.cfg.Server.AdminAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// captureConfig maps the audio config section onto capture tunables.
func captureConfig(a config.AudioConfig) capture.Config {
	return capture.Config{
		Gain:           a.Gain,
		VADThreshold:   a.VADThreshold,
		MinSpeech:      a.MinSpeech(),
		PrefixPad:      a.PrefixPad(),
		TrailingPad:    a.TrailingPad(),
		CommitCooldown: a.CommitCooldown(),
		GateOnSilence:  a.GateOnSilenceEnabled(),
	}
}

// ApplyConfig applies a hot-reloadable configuration change to the running
// pipeline: audio tunables retune the capture actor, new instructions are
// pushed to the session. Log level changes are handled by the caller.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.AudioChanged {
		a.capture.Retune(captureConfig(d.NewAudio))
		slog.Info("applied audio tuning change")
	}
	if d.InstructionsChanged {
		params := a.transport.SessionParams()
		params.Instructions = d.NewInstructions
		if err := a.transport.UpdateSession(params); err != nil {
			slog.Warn("instruction update failed", "err", err)
		} else {
			slog.Info("applied instruction change")
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run dials the realtime session, starts the pipeline actors and the admin
// server, and blocks until ctx is cancelled or an actor fails. The capture
// actor failing (persistent device fault) takes the whole pipeline down;
// systemd or the surrounding robot stack restarts the process.
func (a *App) Run(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	defer a.transport.Stop("shutdown")

	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	run("capture", a.capture.Run)
	run("synthesis", a.synthesis.Run)
	run("cognition", a.cognition.Run)

	if a.admin != nil {
		g.Go(func() error {
			err := a.admin.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return a.admin.Shutdown(shutCtx)
		})
	}

	slog.Info("nevil running",
		"model", a.cfg.Session.Model,
		"tools", len(a.registry.Definitions()),
		"memory", a.store != nil,
	)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
