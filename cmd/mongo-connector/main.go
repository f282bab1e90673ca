// mongo-connector syncs new records from MongoDB collections into a Data
// Culpa-style validator pipeline, checkpointing a per-collection watermark
// so each cron invocation resumes exactly where the last one left off.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/config"
	"github.com/dataculpa/mongo-connector/pkg/engine"
	"github.com/dataculpa/mongo-connector/pkg/logger"
	"github.com/dataculpa/mongo-connector/pkg/metrics"
	"github.com/dataculpa/mongo-connector/pkg/sink"
	"github.com/dataculpa/mongo-connector/pkg/source"
	"github.com/dataculpa/mongo-connector/pkg/watermark"
)

var version = "0.3.0"

func main() {
	// Ignore the error; a missing .env just means plain environment.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "mongo-connector",
		Short: "Incremental MongoDB to validator sync",
		Long: `mongo-connector scans configured MongoDB collections for records newer
than the last persisted watermark and delivers them to a validator
pipeline in calendar-day buckets, committing one session per bucket.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mongo-connector v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var initOutput string
	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Generate an example YAML configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(initOutput); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", initOutput)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "example.yaml", "Path for the generated config")
	root.AddCommand(initCmd)

	root.AddCommand(&cobra.Command{
		Use:   "test-config <config.yaml>",
		Short: "Verify the config file, database connection and controller reachability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return testConfig(cmd.Context(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sync-config <config.yaml>",
		Short: "Report collections missing from the config and config entries missing from the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncConfig(cmd.Context(), args[0])
		},
	})

	var (
		dryRun      bool
		metricsAddr string
		logLevel    string
	)
	runCmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run the sync described by the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0], dryRun, metricsAddr, logLevel)
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Scan and classify records without pushing to the validator or advancing watermarks")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address for the duration of the run (e.g. :9090)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.AddCommand(runCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initLogger(level string) error {
	return logger.Init(logger.Config{
		Level:    level,
		Encoding: "console",
	})
}

func testConfig(ctx context.Context, path string) error {
	if err := initLogger("info"); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	src, err := source.Connect(ctx, sourceConfig(cfg), logger.Get())
	if err != nil {
		return err
	}
	defer func() { _ = src.Close(context.Background()) }()

	live, err := src.ListStreams(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("database %s: %d live collections\n", cfg.DBServer.DBName, len(live))
	for _, name := range live {
		if sc := cfg.StreamFor(name); sc != nil {
			fmt.Printf("  %s -> %s\n", name, sc.Describe())
		} else {
			fmt.Printf("  %s -> unconfigured (policy: %s)\n", name, cfg.Behavior.NewCollections)
		}
	}

	if err := cfg.RequireSecret(); err != nil {
		fmt.Printf("controller: not checked (%v)\n", err)
		return nil
	}
	client := sink.NewClient(controllerConfig(cfg), logger.Get())
	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("controller %s:%d: reachable\n", cfg.Controller.Host, cfg.Controller.Port)
	return nil
}

func syncConfig(ctx context.Context, path string) error {
	if err := initLogger("info"); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	src, err := source.Connect(ctx, sourceConfig(cfg), logger.Get())
	if err != nil {
		return err
	}
	defer func() { _ = src.Close(context.Background()) }()

	live, err := src.ListStreams(ctx)
	if err != nil {
		return err
	}

	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
		if cfg.StreamFor(name) == nil {
			fmt.Printf("unconfigured collection: %s (add an entry to pin its behavior)\n", name)
		}
	}
	for _, sc := range cfg.Collections {
		if !liveSet[sc.Name] {
			fmt.Printf("configured collection missing from database: %s\n", sc.Name)
		}
	}
	return nil
}

func runSync(ctx context.Context, path string, dryRun bool, metricsAddr, logLevel string) error {
	if err := initLogger(logLevel); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !dryRun {
		if err := cfg.RequireSecret(); err != nil {
			return err
		}
	}

	var reg *prometheus.Registry
	var m *metrics.Metrics
	if metricsAddr != "" {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := watermark.Open(cfg.Cache.Path, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	src, err := source.Connect(ctx, sourceConfig(cfg), log)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close(context.Background()) }()

	client := sink.NewClient(controllerConfig(cfg), log)
	factory := func(pipeline string) engine.StreamSink {
		return sink.NewBucketed(client, pipeline, log)
	}

	eng := engine.New(cfg, engineSource{src}, store, factory, m, log, dryRun)

	report, runErr := eng.Run(ctx)
	for _, line := range report.StatusLines() {
		fmt.Println(line)
	}
	if runErr != nil {
		return runErr
	}
	if n := report.FailedStreams(); n > 0 {
		return fmt.Errorf("run completed with %d failed streams", n)
	}
	if n := report.SinkErrors(); n > 0 {
		return fmt.Errorf("run completed with %d sink commit errors", n)
	}

	log.Info("run complete",
		zap.Int("streams", len(report.Results)),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
		zap.Bool("dry_run", dryRun))
	return nil
}

func sourceConfig(cfg *config.Config) source.Config {
	return source.Config{
		Host:           cfg.DBServer.Host,
		Port:           cfg.DBServer.Port,
		Database:       cfg.DBServer.DBName,
		User:           cfg.DBServer.User,
		Password:       cfg.DBServer.Password,
		ConnectTimeout: cfg.Timeouts.Connect,
		QueryTimeout:   cfg.Timeouts.Query,
	}
}

func controllerConfig(cfg *config.Config) sink.ClientConfig {
	return sink.ClientConfig{
		Host:           cfg.Controller.Host,
		Port:           cfg.Controller.Port,
		Secret:         cfg.Controller.Secret,
		Compress:       cfg.Sink.Compress,
		RequestTimeout: cfg.Timeouts.Request,
	}
}

// engineSource adapts the MongoDB source to the engine's store contract.
type engineSource struct {
	src *source.Source
}

func (a engineSource) ListStreams(ctx context.Context) ([]string, error) {
	return a.src.ListStreams(ctx)
}

func (a engineSource) Scan(ctx context.Context, stream, fieldName string, after *watermark.Value) (engine.Iterator, error) {
	cur, err := a.src.Scan(ctx, stream, fieldName, after)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (a engineSource) QueryDescription(stream, fieldName string, after *watermark.Value) string {
	return a.src.QueryDescription(stream, fieldName, after)
}
