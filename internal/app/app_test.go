package app

import (
	"context"
	"errors"
	"testing"

	capturemock "github.com/nevil-robotics/nevil/internal/capture/mock"
	"github.com/nevil-robotics/nevil/internal/config"
	memorymock "github.com/nevil-robotics/nevil/pkg/memory/mock"
)

type nopPlayer struct{}

func (nopPlayer) Play(context.Context, string) error { return nil }

type nopDescriber struct{}

func (nopDescriber) Describe(context.Context, string) (string, error) { return "a wall", nil }

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{APIKey: "sk-test", Voice: "ash"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg,
		WithDevice(capturemock.NewDevice()),
		WithPlayer(nopPlayer{}),
		WithMemoryStore(memorymock.NewStore()),
		WithEmbedder(&memorymock.Embedder{}),
		WithDescriber(nopDescriber{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_WiresSubsystems(t *testing.T) {
	a := newTestApp(t, testConfig())
	defer a.Shutdown(context.Background())

	if a.transport == nil || a.capture == nil || a.synthesis == nil || a.cognition == nil {
		t.Fatal("pipeline actor missing after New")
	}
	if a.admin != nil {
		t.Error("admin server should be disabled without an address")
	}
	if got := len(a.registry.Definitions()); got == 0 {
		t.Error("registry has no tools; builtins not registered")
	}
	params := a.transport.SessionParams()
	if params.InputAudioTranscription == nil || params.InputAudioTranscription.Model != transcriptionModel {
		t.Errorf("session input_audio_transcription = %+v, want model %q",
			params.InputAudioTranscription, transcriptionModel)
	}
}

func TestNew_AdminServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminAddr = "127.0.0.1:0"

	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	if a.admin == nil {
		t.Fatal("admin server not built")
	}
	if a.admin.Addr != "127.0.0.1:0" {
		t.Errorf("admin addr = %q", a.admin.Addr)
	}
}

func TestNew_MemoryDisabledWithoutDSN(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		WithDevice(capturemock.NewDevice()),
		WithPlayer(nopPlayer{}),
		WithDescriber(nopDescriber{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.store != nil {
		t.Error("store should stay nil without a postgres_dsn")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t, testConfig())

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestRun_FailsWhenSessionUnreachable(t *testing.T) {
	cfg := testConfig()
	// Nothing listens here, so the dial fails immediately.
	cfg.Session.URL = "ws://127.0.0.1:1"

	a := newTestApp(t, cfg)
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatal("Run should fail when the session endpoint is unreachable")
	}
}
