package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/download"
	"inferd/internal/httpapi"
	"inferd/internal/ledger"
	"inferd/internal/locator"
	"inferd/internal/service"
	"inferd/internal/slot"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "On-device model management and inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if cfgPath != "" {
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config %s: %w", cfgPath, err)
				}
			}
			applyFlags(cmd, &cfg)
			return run(cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", os.Getenv("INFERD_CONFIG"), "Config file (.yaml/.json/.toml)")
	f.String("addr", envStr("INFERD_ADDR", ":8080"), "HTTP listen address")
	f.StringSlice("reference-dir", nil, "Ranked reference-record directories, most persistent first")
	f.String("shared-dir", os.Getenv("INFERD_SHARED_DIR"), "Preferred shared artifact volume")
	f.String("data-dir", envStr("INFERD_DATA_DIR", "~/.local/share/inferd"), "App-scoped data directory")
	f.String("ledger-dir", os.Getenv("INFERD_LEDGER_DIR"), "Ledger directory (defaults under data dir)")
	f.String("default-model", os.Getenv("INFERD_DEFAULT_MODEL"), "Default model id when the request omits one")
	f.Int("load-timeout-sec", envInt("INFERD_LOAD_TIMEOUT_SEC", 0), "Model load timeout in seconds")
	f.Int("infer-timeout-sec", envInt("INFERD_INFER_TIMEOUT_SEC", 0), "Inference timeout in seconds")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (enables CORS when set)")
	f.String("log-level", envStr("INFERD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	f.String("log-file", os.Getenv("INFERD_LOG_FILE"), "Optional rotating log file")
	f.Int64("max-body-bytes", 0, "Maximum request body size in bytes")
	return root
}

// applyFlags overlays explicitly set flags on top of the file config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if v, err := f.GetString(name); err == nil && (f.Changed(name) || *dst == "") {
			if v != "" {
				*dst = v
			}
		}
	}
	str("addr", &cfg.Addr)
	str("shared-dir", &cfg.SharedDir)
	str("data-dir", &cfg.DataDir)
	str("ledger-dir", &cfg.LedgerDir)
	str("default-model", &cfg.DefaultModel)
	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)
	if v, _ := f.GetStringSlice("reference-dir"); len(v) > 0 {
		cfg.ReferenceDirs = v
	}
	if v, _ := f.GetStringSlice("cors-origins"); len(v) > 0 {
		cfg.CORSOrigins = v
	}
	if v, _ := f.GetInt("load-timeout-sec"); v > 0 {
		cfg.LoadTimeoutSec = v
	}
	if v, _ := f.GetInt("infer-timeout-sec"); v > 0 {
		cfg.InferTimeoutSec = v
	}
	if v, _ := f.GetInt64("max-body-bytes"); v > 0 {
		cfg.MaxBodyBytes = v
	}
}

// expand resolves a leading ~; a failed lookup leaves the path as-is.
func expand(path string) string {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return path
	}
	return p
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   expand(cfg.LogFile),
			MaxSize:    50, // MiB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		out = io.MultiWriter(out, rotator)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func run(cfg config.Config) error {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	log := newLogger(cfg)

	dataDir := expand(cfg.DataDir)
	if dataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	sharedDir := expand(cfg.SharedDir)
	ledgerDir := expand(cfg.LedgerDir)
	if ledgerDir == "" {
		ledgerDir = filepath.Join(dataDir, "ledger")
	}

	led, err := ledger.Open(ledgerDir, log)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	// Reference volumes, most persistent first. Defaults put records next
	// to the artifacts so a wiped cache loses both together.
	refDirs := cfg.ReferenceDirs
	if len(refDirs) == 0 {
		if sharedDir != "" {
			refDirs = append(refDirs, filepath.Join(sharedDir, "refs"))
		}
		refDirs = append(refDirs, filepath.Join(dataDir, "refs"))
	}
	vols := make([]locator.Volume, 0, len(refDirs))
	for i, d := range refDirs {
		d = expand(d)
		_ = os.MkdirAll(d, 0o755)
		vols = append(vols, locator.Volume{Dir: d, Label: fmt.Sprintf("vol%d", i)})
	}
	loc := locator.New(vols, led, log)

	dl := download.New(download.Config{
		SharedDir:      sharedDir,
		DataDir:        filepath.Join(dataDir, "models"),
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSec) * time.Second,
	}, loc, led, log)

	mgr := slot.NewManager(slot.Config{
		Locator:      loc,
		Ledger:       led,
		Logger:       log,
		LoadTimeout:  time.Duration(cfg.LoadTimeoutSec) * time.Second,
		InferTimeout: time.Duration(cfg.InferTimeoutSec) * time.Second,
	})

	svc := service.New(service.Config{
		Slot:         mgr,
		Locator:      loc,
		Ledger:       led,
		Downloader:   dl,
		Logger:       log,
		DefaultModel: cfg.DefaultModel,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick up artifacts dropped into the volumes outside our control.
	watchDirs := []string{filepath.Join(dataDir, "models")}
	if sharedDir != "" {
		watchDirs = append(watchDirs, sharedDir)
	}
	go locator.NewWatcher(loc, watchDirs, log).Run(baseCtx)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins,
			[]string{"GET", "POST", "DELETE", "OPTIONS"},
			[]string{"Accept", "Content-Type", "X-Log-Level"})
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", dataDir).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Release the native model handle before the process exits.
	if err := svc.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("slot shutdown")
	}
	return nil
}
