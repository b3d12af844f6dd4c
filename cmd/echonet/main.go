// Command echonet is the EchoNet voice event router: it listens on a
// microphone, transcribes endpointed speech, and forwards wake-phrase-matched
// transcripts to registered HTTP targets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echonet/internal/config"
	"github.com/MrWong99/echonet/internal/forward"
	"github.com/MrWong99/echonet/internal/health"
	"github.com/MrWong99/echonet/internal/httpapi"
	"github.com/MrWong99/echonet/internal/observe"
	"github.com/MrWong99/echonet/internal/registry"
	"github.com/MrWong99/echonet/internal/router"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/internal/store"
	"github.com/MrWong99/echonet/internal/worker"
	"github.com/MrWong99/echonet/pkg/audio"
	"github.com/MrWong99/echonet/pkg/transcribe"
	"github.com/spf13/afero"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echonet: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("echonet starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echonet",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Persistent store + migrations ─────────────────────────────────────────
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "err", err)
		return 1
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		slog.Error("database migration failed", "path", cfg.DBPath, "err", err)
		return 1
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	reg, err := registry.New(ctx, st)
	if err != nil {
		slog.Error("failed to load target registry", "err", err)
		return 1
	}

	mgr := state.NewManager(st)
	if mode := state.Mode(cfg.Worker.InitialListenMode); mode.IsValid() {
		if err := mgr.SetMode(ctx, mode, "startup", "configured initial mode"); err != nil {
			slog.Error("failed to apply initial listen mode", "err", err)
			return 1
		}
	}

	rt := router.New(reg, forward.NewClient(), router.Options{
		SessionTTL:     time.Duration(cfg.Routing.SessionTTLSeconds) * time.Second,
		CancelPhrases:  cfg.Routing.CancelPhrases,
		StripTrigger:   cfg.Routing.StripTrigger,
		FuzzyMatch:     cfg.Routing.FuzzyMatch,
		FuzzyThreshold: cfg.Routing.FuzzyThreshold,
		Metrics:        observe.DefaultMetrics(),
	})

	// ── Transcriber (optional: without a model only /text works) ──────────────
	var asr transcribe.Transcriber
	var whisperGate *transcribe.Whisper
	if cfg.ASR.ModelPath != "" {
		w, err := transcribe.NewWhisper(cfg.ASR.ModelPath)
		if err != nil {
			slog.Error("failed to load whisper model", "path", cfg.ASR.ModelPath, "err", err)
			return 1
		}
		defer w.Close()
		asr = w
		whisperGate = w
		slog.Info("whisper model loaded", "path", cfg.ASR.ModelPath, "language", cfg.ASR.Language)
	} else {
		slog.Warn("no ASR model configured — audio capture disabled, only /text events will be routed")
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	api := httpapi.New(httpapi.Options{
		Registry: reg,
		State:    mgr,
		Router:   rt,
		ASR:      asr,
		Health: health.New(version,
			health.Checker{Name: "database", Check: st.Ping},
		),
		Metrics:        observe.DefaultMetrics(),
		APIKey:         cfg.Server.APIKey,
		AdminKey:       cfg.Server.AdminKey,
		Version:        version,
		SourceID:       cfg.Routing.SourceID,
		DeviceFallback: cfg.Audio.DeviceIndex,
		Language:       cfg.ASR.Language,
	})
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.RunSweeper(gctx, 5*time.Second)
		return nil
	})
	if asr != nil {
		wk := worker.New(mgr, rt, &audio.Recorder{
			Source:       audio.PortAudioSource{},
			Gate:         whisperGate,
			SampleRate:   cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
			SaveCaptures: cfg.Audio.SaveCaptures,
			CaptureDir:   cfg.Audio.CaptureDir,
			FS:           afero.NewOsFs(),
		}, asr, observe.DefaultMetrics(), worker.Config{
			DeviceIndex:     cfg.Audio.DeviceIndex,
			SampleRate:      cfg.Audio.SampleRate,
			SilenceDuration: secs(cfg.Audio.SilenceDuration),
			MinDuration:     secs(cfg.Audio.MinDuration),
			MaxDuration:     secs(cfg.Audio.MaxDuration),
			EnergyThreshold: cfg.Audio.EnergyThreshold,
			UseMLGate:       cfg.Audio.UseMLVAD,
			Language:        cfg.ASR.Language,
			SourceID:        cfg.Routing.SourceID,
			Room:            cfg.Routing.Room,
		})
		g.Go(func() error {
			if err := wk.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("asr worker: %w", err)
			}
			return nil
		})
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         EchoNet — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Database", cfg.DBPath)
	printRow("Source ID", cfg.Routing.SourceID)
	if cfg.ASR.ModelPath != "" {
		printRow("ASR model", cfg.ASR.ModelPath)
	} else {
		printRow("ASR model", "(not configured)")
	}
	printRow("Initial mode", cfg.Worker.InitialListenMode)
	if cfg.Routing.FuzzyMatch {
		printRow("Fuzzy match", fmt.Sprintf("on (%.2f)", cfg.Routing.FuzzyThreshold))
	} else {
		printRow("Fuzzy match", "off")
	}
	if cfg.Server.APIKey != "" {
		printRow("Auth", "api key set")
	} else {
		printRow("Auth", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
