package cmd

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	qc "github.com/cement-qc/cement-qc/qc"
	"github.com/cement-qc/cement-qc/server"
)

var (
	// CLI flags for the regulator
	logLevel   string        // Log verbosity level
	configPath string        // Optional YAML config file
	modelPath  string        // Optional KPI coefficient file
	listenAddr string        // HTTP listen address
	redisAddr  string        // Redis address for the durable store (empty = in-memory)
	seed       int64         // Master seed for plant noise
	tickPeriod time.Duration // Simulator cadence
	windowLen  int           // Rolling window capacity in ticks
	minSamples int           // Pushes required before window stats are available
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "cement-qc",
	Short: "Closed-loop quality-control regulator for a cement raw-mix process",
}

// serveCmd runs the simulator, control loop and HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plant simulator and control loop behind the HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := qc.DefaultConfig()
		if configPath != "" {
			if err := qc.LoadConfigFile(configPath, &cfg); err != nil {
				logrus.Fatalf("load config: %v", err)
			}
		}

		// Flags override file values only when set explicitly
		cfg.TickPeriod = tickPeriod
		if cmd.Flags().Changed("seed") {
			cfg.Seed = seed
		}
		if cmd.Flags().Changed("window") {
			cfg.Window.Length = windowLen
		}
		if cmd.Flags().Changed("min-samples") {
			cfg.Window.MinSamples = minSamples
		}
		if modelPath != "" {
			cfg.ModelPath = modelPath
		}

		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("configuration invalid: %v", err)
		}

		eval := qc.LoadEvaluator(cfg.ModelPath, cfg.Targets)
		logrus.Infof("KPI evaluator: %s", eval.Describe())

		var store qc.Store
		if redisAddr != "" {
			rs, err := qc.NewRedisStore(redisAddr, int64(cfg.Window.Length*3), 1000)
			if err != nil {
				logrus.Fatalf("redis store: %v", err)
			}
			defer rs.Close()
			store = rs
			logrus.Infof("using redis store at %s", redisAddr)
		} else {
			store = qc.NewMemoryStore(cfg.Window.Length*3, 1000)
		}

		rng := qc.NewPartitionedRNG(cfg.Seed)
		plant := qc.NewPlant(cfg, eval, rng.ForSubsystem(qc.SubsystemPlant))
		detector := qc.NewDriftDetector(cfg.Window, cfg.Targets)
		advisor := &qc.HeuristicAdvisor{Limits: cfg.Limits}
		loop := qc.NewControlLoop(cfg, plant, detector, eval, store, advisor)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go loop.Run(ctx)

		logrus.Infof("Starting regulator: tick=%v window=%d min_samples=%d seed=%d",
			cfg.TickPeriod, cfg.Window.Length, cfg.Window.MinSamples, cfg.Seed)

		if err := server.New(loop).Run(listenAddr); err != nil {
			logrus.Fatalf("server: %v", err)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&configPath, "config", "", "YAML config file overlaying the defaults")
	serveCmd.Flags().StringVar(&modelPath, "models", "", "KPI coefficient file (falls back to closed-form formulas when absent)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for durable sample/audit storage (empty = in-memory)")
	serveCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for plant noise generation")
	serveCmd.Flags().DurationVar(&tickPeriod, "tick-period", 200*time.Millisecond, "Simulator tick cadence")
	serveCmd.Flags().IntVar(&windowLen, "window", 600, "Rolling window capacity in ticks")
	serveCmd.Flags().IntVar(&minSamples, "min-samples", 10, "Samples required before window statistics are available")

	// Attach `serve` as a subcommand to `root`
	rootCmd.AddCommand(serveCmd)
}
