package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"radio-timeshift/internal/platform/config"
	"radio-timeshift/internal/platform/logger"
	"radio-timeshift/internal/platform/metrics"
	"radio-timeshift/internal/source"
	"radio-timeshift/internal/timeshift"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML config file")
		url        = pflag.String("url", "", "stream URL to record")
		listen     = pflag.String("listen", "", "HTTP listen address")
		storage    = pflag.String("storage", "", "chunk storage: pool or block")
		root       = pflag.String("root", "", "directory for block storage")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error")
		logFormat  = pflag.String("log-format", "", "json or text")
	)
	pflag.Parse()

	_ = config.Load()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	cfg = config.FromEnv(cfg)
	overrideString(&cfg.Source.URL, *url)
	overrideString(&cfg.Listen, *listen)
	overrideString(&cfg.Buffer.Storage, *storage)
	overrideString(&cfg.Buffer.Root, *root)
	overrideString(&cfg.Logging.Level, *logLevel)
	overrideString(&cfg.Logging.Format, *logFormat)

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Source.URL == "" {
		log.Error("no stream URL configured (--url or STREAM_URL)")
		os.Exit(2)
	}
	mode, err := timeshift.ParseStorageMode(cfg.Buffer.Storage)
	if err != nil {
		log.Error("invalid storage mode", "error", err)
		os.Exit(2)
	}
	maxWindow, err := cfg.MaxWindowBytes()
	if err != nil {
		log.Error("invalid max window", "error", err)
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.Buffer.Root, 0o755); err != nil {
		log.Error("create storage root", "root", cfg.Buffer.Root, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	src := source.NewHTTP(source.HTTPConfig{
		URL:            cfg.Source.URL,
		ConnectTimeout: cfg.Source.ConnectTimeout,
		ReadTimeout:    cfg.Source.ReadTimeout,
		UserAgent:      cfg.Source.UserAgent,
		Headers:        cfg.Source.Headers,
	})
	store := timeshift.NewChunkStore(timeshift.NewBlockStore(osfs.New(cfg.Buffer.Root, osfs.WithBoundOS())))
	buf := timeshift.New(timeshift.Config{
		Storage:            mode,
		PoolSlots:          cfg.Buffer.PoolSlots,
		QueueDepth:         cfg.Buffer.QueueDepth,
		EnqueueTimeout:     cfg.Buffer.EnqueueTimeout,
		MinReadyChunks:     cfg.Buffer.MinReadyChunks,
		InitialWait:        cfg.Buffer.InitialWait,
		LiveEdgeWait:       cfg.Buffer.LiveEdgeWait,
		ResumeMarginChunks: cfg.Buffer.ResumeMarginChunks,
		ResumeWait:         cfg.Buffer.ResumeWait,
		PreloadInterval:    cfg.Buffer.PreloadInterval,
		PreloadPercent:     cfg.Buffer.PreloadPercent,
		StallTimeout:       cfg.Buffer.StallTimeout,
		MaxWindowBytes:     maxWindow,
		MaxChunks:          cfg.Buffer.MaxChunks,
		ReconnectMax:       cfg.Buffer.ReconnectMax,
		ReconnectDelay:     cfg.Buffer.ReconnectDelay,
		ReconnectJitter:    cfg.Buffer.ReconnectJitter,
		SwitchIdleWait:     cfg.Buffer.SwitchIdleWait,
		ShutdownTimeout:    cfg.Buffer.ShutdownTimeout,
		SeekStride:         uint64(max(cfg.Buffer.SeekStride, 0)),
		SampleWindow:       cfg.Buffer.SampleWindow,
		DefaultBitrateKbps: cfg.Buffer.DefaultBitrate,
	}, src, store, log, met)

	if err := buf.Open(); err != nil {
		log.Error("open timeshift", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := buf.Start(ctx); err != nil {
		log.Error("start timeshift", "error", err)
		os.Exit(1)
	}

	go func() {
		for ev := range buf.Events() {
			log.Debug("playback event", "kind", ev.Kind.String(), "chunk_id", ev.ChunkID)
		}
	}()

	h := timeshift.NewHandler(buf, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(buf.UpdateMetrics).ServeHTTP(w, r)
	})
	r.Get("/status", h.GetStatus)
	r.Get("/stream", h.Stream)
	r.Post("/seek", h.Seek)
	r.Post("/storage", h.SwitchStorage)
	r.Post("/recording/pause", h.PauseRecording)
	r.Post("/recording/resume", h.ResumeRecording)
	r.Get("/exports", h.ListExports)
	r.Get("/chunks", h.ListChunks)
	r.Get("/chunks.m3u8", h.GetPlaylist)
	r.Route("/chunks/{id}", func(r chi.Router) {
		r.Get("/", h.GetChunk)
		r.Post("/export", h.ExportChunk)
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"listen", cfg.Listen,
		"url", cfg.Source.URL,
		"storage", mode.String(),
		"root", cfg.Buffer.Root,
		"log_level", cfg.Logging.Level,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Close first so open /stream readers see EOF and let Shutdown finish.
	if err := buf.Close(); err != nil {
		log.Error("timeshift close error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
