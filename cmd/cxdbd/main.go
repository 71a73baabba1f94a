// cxdbd - append-only, content-addressed store for AI conversation
// history. One process serves both the binary write protocol and the
// JSON read API:
//
//	cxdbd                      Run with defaults (or CXDB_* env overrides)
//	cxdbd -config cxdb.toml    Run with an explicit config file
//	cxdbd -data-dir ./data     Override the data directory
//	cxdbd version              Print the build version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strongdm/cxdb/internal/blobstore"
	"github.com/strongdm/cxdb/internal/config"
	"github.com/strongdm/cxdb/internal/dag"
	"github.com/strongdm/cxdb/internal/fstree"
	"github.com/strongdm/cxdb/internal/headtable"
	"github.com/strongdm/cxdb/internal/health"
	"github.com/strongdm/cxdb/internal/httpapi"
	"github.com/strongdm/cxdb/internal/logging"
	"github.com/strongdm/cxdb/internal/metrics"
	"github.com/strongdm/cxdb/internal/registry"
	"github.com/strongdm/cxdb/internal/server"
	"github.com/strongdm/cxdb/internal/turnindex"
	"github.com/strongdm/cxdb/internal/turnlog"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("cxdbd", version)
		return
	}

	var (
		configPath = flag.String("config", "", "path to config file (TOML, JSON, or YAML)")
		dataDir    = flag.String("data-dir", "", "override storage.data_dir")
		bindBinary = flag.String("bind-binary", "", "override binary.bind_addr")
		bindHTTP   = flag.String("bind-http", "", "override http.bind_addr")
		logLevel   = flag.String("log-level", "", "override logging.level")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cxdbd: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *bindBinary != "" {
		cfg.Binary.BindAddr = *bindBinary
	}
	if *bindHTTP != "" {
		cfg.HTTP.BindAddr = *bindHTTP
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "cxdbd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cxdbd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv(), nil
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	audit := logging.DefaultAuditLogger()
	defer audit.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger.Info("starting cxdbd",
		"version", version,
		"data_dir", cfg.Storage.DataDir,
		"bind_binary", cfg.Binary.BindAddr,
		"bind_http", cfg.HTTP.BindAddr,
	)

	// Storage engine. A truncated turn log tail is a hard startup
	// failure with the offending offset, so the operator repairs it
	// explicitly instead of the daemon silently dropping turns.
	blobs, err := blobstore.Open(filepath.Join(cfg.Storage.DataDir, "blobs"), blobstore.Options{
		ZstdLevel:   cfg.Storage.ZstdLevel,
		MaxBlobSize: cfg.Storage.MaxBlobSize,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	log, err := turnlog.Open(filepath.Join(cfg.Storage.DataDir, "turns"))
	if err != nil {
		var trunc *turnlog.TruncatedError
		if errors.As(err, &trunc) {
			audit.LogRecovery(context.Background(), "turnlog", false, map[string]interface{}{
				"offset": trunc.Offset,
			})
			return fmt.Errorf("turn log has a truncated final record at offset %d; "+
				"truncate the file to that offset to recover, then restart", trunc.Offset)
		}
		return fmt.Errorf("open turn log: %w", err)
	}
	defer log.Close()

	index, err := turnindex.Rebuild(log)
	if err != nil {
		return fmt.Errorf("rebuild turn index: %w", err)
	}

	heads, err := headtable.Open(filepath.Join(cfg.Storage.DataDir, "heads"))
	if err != nil {
		return fmt.Errorf("open head table: %w", err)
	}
	defer heads.Close()

	reg, err := registry.Open(filepath.Join(cfg.Storage.DataDir, "registry"), blobs)
	if err != nil {
		return fmt.Errorf("open type registry: %w", err)
	}

	engine := dag.New(blobs, log, index, heads)
	fs := fstree.New(blobs)

	audit.LogRecovery(context.Background(), "storage", true, map[string]interface{}{
		"blobs":    blobs.Count(),
		"turns":    log.NextTurnID() - 1,
		"contexts": heads.Len(),
	})

	// Metrics and health.
	ops := metrics.NewOperations(metrics.NewRegistry(cfg.Metrics.Namespace, ""))
	refreshStorage := func() {
		ops.SetBlobPackSize(blobs.Size())
		ops.SetTurnLogSize(log.Size())
		ops.SetContextCount(int64(heads.Len()))
	}
	refreshStorage()

	checker := health.NewChecker()
	checker.RegisterStorage(health.StorageChecker{
		BlobPackSize:  func() (int64, error) { return blobs.Size(), nil },
		TurnLogSize:   func() (int64, error) { return log.Size(), nil },
		HeadTableSize: heads.Size,
		RegistryIndexSize: func() (int64, error) {
			info, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "registry", "index.json"))
			if os.IsNotExist(err) {
				return 0, nil // no bundles published yet
			}
			if err != nil {
				return 0, err
			}
			return info.Size(), nil
		},
	})

	// Binary protocol server.
	binSrv := server.New(server.Config{
		BindAddr:           cfg.Binary.BindAddr,
		MaxConnections:     cfg.Binary.MaxConnections,
		MaxInFlightPerConn: cfg.Binary.MaxInFlightPerConn,
		Workers:            cfg.Binary.Workers,
		WorkerQueueDepth:   cfg.Binary.WorkerQueueDepth,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
	}, engine, logger.WithComponent("binary").Logger)
	binSrv.SetMetrics(ops)
	if err := binSrv.Start(); err != nil {
		return fmt.Errorf("start binary server on %s: %w", cfg.Binary.BindAddr, err)
	}
	defer binSrv.Stop()
	logger.Info("binary protocol listening", "addr", binSrv.Addr().String())

	// HTTP read API.
	api := httpapi.New(engine, reg, fs, ops, checker, logger.WithComponent("http").Logger)
	api.MaxBundleSize = cfg.Registry.MaxBundleSize
	api.RefreshStorage = refreshStorage

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	logger.Info("http api listening", "addr", cfg.HTTP.BindAddr)

	checker.SetReady(true)
	audit.LogStartup(context.Background(), version, map[string]interface{}{
		"data_dir": cfg.Storage.DataDir,
	})

	// Periodically compact the head table and snapshot the blob index
	// so startup replay stays bounded.
	compactStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-compactStop:
				return
			case <-ticker.C:
				if err := heads.Compact(); err != nil {
					logger.Warn("head table compaction failed", "error", err)
				}
				if err := blobs.SnapshotIndex(); err != nil {
					logger.Warn("blob index snapshot failed", "error", err)
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var reason string
	select {
	case s := <-sig:
		reason = s.String()
	case err := <-httpErr:
		logger.Error("http server failed", "error", err)
		reason = "http server failure"
	}

	logger.Info("shutting down", "reason", reason)
	close(compactStop)
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := binSrv.Stop(); err != nil {
		logger.Warn("binary server stop failed", "error", err)
	}

	audit.LogShutdown(context.Background(), reason)
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "cxdbd",
	})
}
