package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/catalog"
	"csmvoice/internal/pkg/csmvoice/config"
	"csmvoice/internal/pkg/csmvoice/engine"
	"csmvoice/internal/pkg/csmvoice/generate"
	"csmvoice/internal/pkg/csmvoice/httpapi"
	"csmvoice/internal/pkg/csmvoice/observe"
	"csmvoice/internal/pkg/csmvoice/preset"

	_ "csmvoice/internal/pkg/csmvoice/backends/onnx"
	_ "csmvoice/internal/pkg/csmvoice/backends/remote"
)

const shutdownTimeout = 10 * time.Second

var commands = map[string]func(ctx context.Context, cfg *config.Config) error{
	"serve":    runServe,
	"say":      runSay,
	"converse": runConverse,
	"presets":  runPresets,
}

func main() {
	fmt.Fprintf(os.Stderr, "csmvoice %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	name, args := "serve", os.Args[1:]
	if len(args) > 0 {
		if _, ok := commands[args[0]]; ok {
			name, args = args[0], args[1:]
		}
	}

	cfg, err := config.Load("csmvoice "+name, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}

	log.Debug().
		Str("command", name).
		Str("config_file", cfg.File).
		Str("backend", cfg.Engine.Backend).
		Str("database", cfg.Database.Driver).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands[name](ctx, cfg); err != nil {
		log.Fatal().Err(err).Str("command", name).Msg("Command failed")
	}
}

// app holds the components every command shares.
type app struct {
	store     *preset.GormStore
	files     *artifact.DiskStore
	mirror    *artifact.NatsMirror
	engine    *engine.Shared
	metrics   *observe.Metrics
	generator *generate.Generator
}

func newApp(cfg *config.Config, metrics *observe.Metrics) (*app, error) {
	store, err := preset.Open(cfg.DatabaseConfig(), log.Logger)
	if err != nil {
		return nil, err
	}

	files, err := artifact.NewDiskStore(cfg.Server.StaticDir, cfg.Server.DownloadsDir, log.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		store:   store,
		files:   files,
		engine:  engine.NewSharedBackend(cfg.EngineConfig(), log.Logger),
		metrics: metrics,
	}

	if cfg.Archive.NatsURL != "" {
		mirror, err := artifact.DialNatsMirror(cfg.Archive.NatsURL, cfg.Archive.Bucket)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.Archive.NatsURL).Msg("Audio archive unavailable, continuing without it")
		} else {
			a.mirror = mirror
			files.SetMirror(mirror)
			log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Mirroring audio to NATS object store")
		}
	}

	opts := []generate.Option{generate.WithOptions(cfg.GenerateOptions())}
	if metrics != nil {
		opts = append(opts, generate.WithMetrics(metrics))
	}
	a.generator = generate.New(a.engine, files, store, log.Logger, opts...)

	return a, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close speech engine")
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close preset store")
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "csmvoice",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics provider")
		}
	}()

	a, err := newApp(cfg, observe.DefaultMetrics())
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Engine.Preload {
		log.Info().Str("backend", cfg.Engine.Backend).Msg("Loading speech engine...")
		if err := a.engine.Preload(ctx); err != nil {
			return err
		}
	}

	router := httpapi.NewRouter(httpapi.Options{
		Catalog:        catalog.New(a.store, log.Logger),
		Generator:      a.generator,
		Files:          a.files,
		Metrics:        a.metrics,
		Logger:         log.Logger,
		MetricsHandler: promhttp.Handler(),
		Debug:          zerolog.GlobalLevel() <= zerolog.DebugLevel,
		Engine:         a.engine,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting CSM Speech Generator")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runSay(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := readText(cfg)
	if err != nil {
		return err
	}

	log.Info().Str("text", truncateText(text, 50)).Int("speaker", cfg.Speaker).Msg("Generating speech...")

	g := cfg.Generation
	res, err := a.generator.Generate(ctx, generate.Request{
		Text:          text,
		SpeakerID:     cfg.Speaker,
		Temperature:   g.Temperature,
		MinP:          g.MinP,
		MaxDurationMs: g.MaxDurationMs,
		Seed:          cfg.Seed,
		AutoSave:      cfg.AutoSave,
	})
	if err != nil {
		return err
	}

	src, err := a.files.Resolve(artifact.Download, res.Filename)
	if err != nil {
		return err
	}
	if cfg.Output != "" {
		if err := copyFile(src, cfg.Output); err != nil {
			return fmt.Errorf("failed to save audio: %w", err)
		}
		src = cfg.Output
	}

	ev := log.Info().
		Str("output", src).
		Float64("duration_sec", res.Duration).
		Float64("generation_sec", res.GenerationTime).
		Float64("rtf", res.RealTimeFactor).
		Int64("seed", res.VoiceParameters.Seed)
	if res.PresetID != nil {
		ev = ev.Int64("preset_id", *res.PresetID)
	}
	ev.Msg("Audio saved successfully")

	if res.PresetError != "" {
		log.Warn().Str("error", res.PresetError).Msg("Voice was not saved as a preset")
	}
	return nil
}

func runConverse(ctx context.Context, cfg *config.Config) error {
	if cfg.Script == "" {
		return errors.New("converse requires --script")
	}

	script, err := generate.LoadScript(cfg.Script)
	if err != nil {
		return err
	}
	if cfg.Seed != "" {
		script.Seed = cfg.Seed
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	outDir := strings.TrimSuffix(cfg.Output, filepath.Ext(cfg.Output))
	if outDir == "" {
		outDir = "conversation"
	}

	log.Info().Int("turns", len(script.Turns)).Str("output", outDir).Msg("Generating conversation...")
	start := time.Now()

	conv, err := a.generator.Converse(ctx, script.Turns, script.Options(outDir))
	if err != nil {
		return err
	}

	for _, t := range conv.Turns {
		log.Info().
			Int("turn", t.Index).
			Int("speaker", t.Speaker).
			Str("file", t.Path).
			Float64("duration_sec", t.Duration).
			Float64("generation_sec", t.GenerationTime).
			Msg("Turn saved")
	}
	log.Info().
		Str("output", conv.FullPath).
		Float64("duration_sec", conv.Duration).
		Dur("elapsed", time.Since(start)).
		Msg("Conversation saved")

	return nil
}

func runPresets(ctx context.Context, cfg *config.Config) error {
	store, err := preset.Open(cfg.DatabaseConfig(), log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	presets, err := catalog.New(store, log.Logger).List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSPEAKER\tTEMP\tMIN_P\tSEED\tCREATED")
	for _, p := range presets {
		seed := "-"
		if p.Seed != nil {
			seed = *p.Seed
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%.2f\t%.2f\t%s\t%s\n",
			p.ID, p.Name, p.SpeakerID, p.Temperature, p.MinP, seed, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func readText(cfg *config.Config) (string, error) {
	text := cfg.Text
	if text == "" && len(cfg.Args) > 0 {
		text = strings.Join(cfg.Args, " ")
	}
	if text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		text = cfg.Generation.DefaultText
	}
	return text, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(dst, data, 0o644)
}

func setupLogging(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}

	return nil
}

// truncateText shortens text to maxLen runes for log lines.
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
