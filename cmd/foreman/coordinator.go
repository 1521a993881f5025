package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/fleet"
	"github.com/cuemby/foreman/pkg/invoke"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/loop"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/thunk"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator [thunk-manifest...]",
	Short: "Run the execution coordinator",
	Long: `Run the coordinator: listen for worker call-backs, dispatch thunks to
the fleet, and launch fresh workers on demand. Positional arguments name
thunk manifest files (JSON) to force immediately on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		applyFlagOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("coordinator")

		objects, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer objects.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker.Subscribe())

		lp, err := loop.New()
		if err != nil {
			return err
		}
		defer lp.Close()

		launcher := invoke.NewLambda(invoke.Config{
			Region:          cfg.AWS.Region,
			Function:        cfg.AWS.Function,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
			Coordinator:     cfg.ListenAddr,
			StorageBackend:  cfg.StorageBackend,
		})

		fl := fleet.New(objects, launcher, broker, func(thunkHash, outputHash string, extra int) {
			logger.Info().
				Str("thunk_hash", thunkHash).
				Str("output_hash", outputHash).
				Msg("thunk reduced")
		})

		if err := fl.Init(lp, cfg.ListenAddr); err != nil {
			return err
		}

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr)
		}

		for _, path := range args {
			t, err := loadThunk(path)
			if err != nil {
				return err
			}
			if !fl.CanExecute(t) {
				return fmt.Errorf("thunk %s exceeds the worker payload ceiling", t.Hash)
			}
			if err := fl.ForceThunk(t); err != nil {
				return err
			}
		}

		return lp.Run()
	},
}

func init() {
	coordinatorCmd.Flags().String("config", "", "Path to YAML config file")
	coordinatorCmd.Flags().String("listen", "", "Address workers dial back (host:port)")
	coordinatorCmd.Flags().String("metrics-addr", "", "Prometheus metrics address")
	coordinatorCmd.Flags().String("data-dir", "", "Blob store directory")
	coordinatorCmd.Flags().String("storage-backend", "", "Storage backend URI handed to workers")
	coordinatorCmd.Flags().String("region", "", "AWS region for worker invocations")
	coordinatorCmd.Flags().String("function", "", "Lambda function name for workers")
	coordinatorCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	coordinatorCmd.Flags().Bool("json-log", false, "Emit JSON logs")
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("storage-backend") {
		cfg.StorageBackend, _ = flags.GetString("storage-backend")
	}
	if flags.Changed("region") {
		cfg.AWS.Region, _ = flags.GetString("region")
	}
	if flags.Changed("function") {
		cfg.AWS.Function, _ = flags.GetString("function")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("json-log") {
		cfg.Log.JSON, _ = flags.GetBool("json-log")
	}
}

func loadThunk(path string) (*thunk.Thunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thunk manifest %s: %w", path, err)
	}
	var t thunk.Thunk
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse thunk manifest %s: %w", path, err)
	}
	return &t, nil
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		entry := logger.Debug().Str("type", string(event.Type))
		for k, v := range event.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(event.Message)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger := log.WithComponent("metrics")
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
