package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tiroq/streamscribe/internal/backends"
	"github.com/tiroq/streamscribe/internal/config"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/pidfile"
	"github.com/tiroq/streamscribe/internal/server"
	"github.com/tiroq/streamscribe/internal/watch"
)

const logPrefix = "[streamscribe]"

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	// --export-diag subcommand: read log, write bundle, exit.
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		logPath := os.Getenv("STREAMSCRIBE_LOG_PATH")
		if logPath == "" {
			logPath = "/tmp/streamscribe-debug.log"
		}
		diaglog.Version = Version
		// The configured backend goes into the bundle header; a config that
		// fails to load falls back to defaults rather than blocking the export.
		var info diaglog.BundleInfo
		if cfg, err := config.Load(); err == nil {
			info = diaglog.BundleInfo{Method: cfg.Method, Model: cfg.Model}
		}
		path, n, err := diaglog.Export(logPath, ".", info)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			if os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "hint: run with STREAMSCRIBE_DEBUG=true to enable logging")
				os.Exit(1)
			}
			os.Exit(2)
		}
		fmt.Printf("Wrote: %s (%d lines)\n", path, n)
		os.Exit(0)
	}

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("streamscribe", Version)
		os.Exit(0)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	outLog.Println("===========================================")
	outLog.Println("Starting streamscribe v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Println("===========================================")

	// Check for duplicate instances
	pidPath := pidfile.DefaultPath("streamscribe")
	pf, err := pidfile.Acquire(pidPath)
	if err != nil {
		errLog.Printf("Failed to acquire PID file: %v", err)
		errLog.Printf("If no other instance is running, remove: %s", pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pf.Release(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		errLog.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	outLog.Printf("Config: method=%s model=%s chunk=%dms overlap=%dms listen=%s",
		cfg.Method, cfg.Model, cfg.ChunkSizeMS, cfg.OverlapMS, cfg.ListenAddr)

	logPath := os.Getenv("STREAMSCRIBE_LOG_PATH")
	if logPath == "" {
		logPath = "/tmp/streamscribe-debug.log"
	}
	diagLogger, diagErr := diaglog.New(logPath)
	if diagErr != nil {
		errLog.Printf("Diagnostic logging unavailable: %v", diagErr)
		diagLogger = diaglog.NewNoOp()
	}
	defer diagLogger.Close()

	srv, err := server.New(cfg, backends.New, diagLogger)
	if err != nil {
		errLog.Printf("Failed to initialize server: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		outLog.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	if cfg.WatchDir != "" {
		w := watch.New(cfg.WatchDir, func(ctx context.Context, path string) error {
			result, err := srv.TranscribeLocal(ctx, path)
			if err != nil {
				return err
			}
			outLog.Printf("Transcribed %s (%d chars)", filepath.Base(path), len(result.Text))
			return nil
		}, diagLogger)

		go func() {
			outLog.Printf("Watching inbox: %s", cfg.WatchDir)
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				errLog.Printf("Inbox watcher stopped: %v", err)
			}
		}()
	}

	outLog.Printf("Listening on http://%s", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		errLog.Printf("Server error: %v", err)
		os.Exit(1)
	}
	outLog.Println("Shutdown complete")
}

func initLogging() error {
	logDir := "/tmp"

	outLogPath := filepath.Join(logDir, "streamscribe.out.log")
	errLogPath := filepath.Join(logDir, "streamscribe.err.log")

	// Rotate logs if they exceed 10MB
	if err := rotateLogIfNeeded(outLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}
	if err := rotateLogIfNeeded(errLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)
	return nil
}

func rotateLogIfNeeded(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxSize {
		return nil
	}
	backup := path + "." + time.Now().Format("20060102-150405")
	return os.Rename(path, backup)
}
