// Command voxhall is the real-time voice gateway: WebSocket audio in,
// transcription and intent routing, staged TTS audio out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/health"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/router"
	"github.com/voxhall/voxhall/internal/server"
	"github.com/voxhall/voxhall/internal/stream"
	"github.com/voxhall/voxhall/internal/tts"
	"github.com/voxhall/voxhall/internal/tts/staged"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	oaillm "github.com/voxhall/voxhall/pkg/provider/llm/openai"
	"github.com/voxhall/voxhall/pkg/provider/stt/whisper"
	"github.com/voxhall/voxhall/pkg/provider/tts/kokoro"
	"github.com/voxhall/voxhall/pkg/provider/tts/piper"
	"github.com/voxhall/voxhall/pkg/provider/tts/zonos"
	"github.com/voxhall/voxhall/pkg/voice"
)

// version is stamped at build time via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "voxhall: invalid configuration:\n%v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voxhall starting",
		"version", version,
		"ws_addr", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		"metrics_port", cfg.Server.MetricsPort,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxhall",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	mp := otel.GetMeterProvider()
	if err := observe.RegisterProcessGauges(mp); err != nil {
		slog.Warn("process gauges unavailable", "err", err)
	}
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── TTS engines ───────────────────────────────────────────────────────────
	registry, err := voice.DefaultRegistry()
	if err != nil {
		slog.Error("failed to load voice registry", "err", err)
		return 1
	}
	if cfg.Staged.IgnoreVoiceCaps {
		registry.SetBypassGate(true)
	}

	manager := tts.NewManager(registry, metrics, cfg.TTS.SwitchingEnabled)
	manager.Register("piper", piper.New(cfg.TTS.ModelDir, piperVoices(registry)))
	manager.Register("kokoro", kokoro.New(cfg.TTS.KokoroURL))
	manager.Register("zonos", zonos.New(cfg.TTS.ZonosURL, cfg.TTS.SpeakerCacheDir))
	if err := manager.Initialize(ctx, cfg.TTS.Engine); err != nil {
		slog.Error("no tts engine came up", "err", err)
		return 1
	}
	defer manager.Close()

	var pipeline *staged.Pipeline
	if cfg.Staged.Enabled {
		pipeline = staged.New(manager, cfg.Staged, cfg.TTS.TargetSampleRate, metrics)
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	transcriber := whisper.New(cfg.STT.ServerURL, whisper.WithModel(cfg.STT.Model))
	if err := transcriber.Initialize(ctx); err != nil {
		// The whisper server may come up later; streams fail soft until then.
		slog.Warn("stt server not reachable at startup", "url", cfg.STT.ServerURL, "err", err)
	}
	defer transcriber.Close()

	// ── LLM (optional) ────────────────────────────────────────────────────────
	var chat llm.Provider
	if cfg.LLM.Enabled {
		p, err := oaillm.New(cfg.LLM.APIKey, cfg.LLM.DefaultModel,
			oaillm.WithBaseURL(cfg.LLM.APIBase),
			oaillm.WithTimeout(cfg.LLM.Timeout),
		)
		if err != nil {
			slog.Error("failed to create llm provider", "err", err)
			return 1
		}
		chat = p
		slog.Info("llm fallback enabled", "model", cfg.LLM.DefaultModel, "base", cfg.LLM.APIBase)
	}

	// ── Routing ───────────────────────────────────────────────────────────────
	workflow := router.NewWorkflow(cfg.Router.WorkflowURLs,
		router.WithWorkflowTimeout(cfg.Router.WorkflowTimeout))
	rt := router.New(router.Config{
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxTurns:      cfg.LLM.MaxTurns,
		MaxReplyChars: cfg.Router.MaxReplyChars,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, router.DefaultClassifier(), router.NewSkillSet(&router.ClockSkill{}), workflow, chat, metrics)

	// ── Audio streams ─────────────────────────────────────────────────────────
	streams := stream.NewManager(stream.ManagerConfig{
		SampleRate:     cfg.Audio.SampleRate,
		MaxChunkBuffer: cfg.Audio.MaxChunkBuffer,
		MaxDuration:    cfg.Audio.MaxDuration,
		Workers:        cfg.STT.Workers,
	}, transcriber, rt.Route, metrics)

	// ── Gateway ───────────────────────────────────────────────────────────────
	srv := server.New(cfg, server.Deps{
		TTS:     manager,
		Staged:  pipeline,
		Streams: streams,
		Router:  rt,
		STT:     transcriber,
		LLM:     chat,
		Metrics: metrics,
	})

	// ── Metrics and health endpoints ──────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "tts", Check: func(context.Context) error {
			for _, st := range manager.Statuses() {
				if st.Ready {
					return nil
				}
			}
			return errors.New("no tts engine ready")
		}},
		health.Checker{Name: "stt", Check: func(ctx context.Context) error {
			_, err := transcriber.Models(ctx)
			return err
		}},
	)
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	checks.Register(mux)
	metricsSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.MetricsPort)),
		Handler: mux,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		streams.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	slog.Info("voxhall ready")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// piperVoices builds the piper voice set from the registry bindings. The
// model id must match what the manager resolves at synthesis time: the
// binding's voice id when set, else the canonical voice name.
func piperVoices(reg *voice.Registry) []piper.VoiceModel {
	bindings := reg.Bindings("piper")
	out := make([]piper.VoiceModel, 0, len(bindings))
	for name, ev := range bindings {
		id := ev.VoiceID
		if id == "" {
			id = name
		}
		out = append(out, piper.VoiceModel{ID: id, ModelPath: ev.ModelPath, Language: ev.Language})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
