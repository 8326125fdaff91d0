package cmd

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/strangeloopcanon/BCache/agent"
	"github.com/strangeloopcanon/BCache/pagestate"
	"github.com/strangeloopcanon/BCache/plan"
	"github.com/strangeloopcanon/BCache/telemetry"
	"github.com/strangeloopcanon/BCache/workload"
)

var (
	// CLI flags for the planner
	configPath string
	logLevel   string
	seed       int64

	windowMS      int64
	minIOBytes    int64
	maxIOBytes    int64
	maxOpsPerTier int
	pmin          float64
	umin          float64
	alpha         float64
	beta          float64
	streams       int
	workers       int

	// Feature toggles. Cobra has no tri-state flags, so each toggle is an
	// explicit disable flag over the enabled default.
	disablePrefixFanout  bool
	disableTenantCredits bool
	disableAdmission     bool
	disableEviction      bool
	disableOverlap       bool
	noEnforceTierCaps    bool

	// Workload / loop controls
	windows       int
	reqsPerWindow int
	metricsAddr   string
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "bcache",
	Short: "Planner and multistream execution simulator for tiered KV cache transfers",
}

// runCmd plans and simulates a sequence of windows using parameters from
// the config file and CLI flags.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the planning and execution simulation",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := plan.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Config load failed: %v", err)
		}
		applyOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Config invalid: %v", err)
		}

		table := pagestate.NewTable(cfg.ChurnWindowMS)
		planner, err := plan.NewPlanner(cfg, table)
		if err != nil {
			logrus.Fatalf("Planner init failed: %v", err)
		}

		bw := &agent.BandwidthModel{
			WindowMS:       cfg.WindowMS,
			StreamsPerNode: cfg.StreamsPerNode,
			TierBandwidth: func(t pagestate.Tier) int64 {
				return cfg.TierSpec(t).BandwidthBytesPerWindow
			},
		}
		executor := agent.NewExecutor(cfg.StreamsPerNode, cfg.BaseLatencyMS, bw)

		sinks := telemetry.MultiSink{telemetry.LogSink{}}
		if metricsAddr != "" {
			sinks = append(sinks, telemetry.NewPromSink(prometheus.DefaultRegisterer))
			go serveMetrics(metricsAddr)
		}

		gen := workload.NewGenerator(seed)

		logrus.Infof("Starting simulation: %d windows, %d requests/window, window=%dms, min_io=%d, streams=%d",
			windows, reqsPerWindow, cfg.WindowMS, cfg.MinIOBytes, cfg.StreamsPerNode)

		for w := 0; w < windows; w++ {
			reqs := gen.Requests(reqsPerWindow)
			if w == 0 {
				// Seed popularity so the first window has signal.
				workload.WarmHeat(table, reqs, cfg.Heat.ReuseThreshold/2)
			}

			windowPlan, acct, err := planner.PlanWindow(reqs)
			if err != nil {
				logrus.Fatalf("Window %d failed: %v", w+1, err)
			}
			report := executor.Execute(windowPlan)
			planner.ApplyFeedback(report.Completed)

			sinks.ObserveWindow(telemetry.WindowStats{
				Window:                acct.Window,
				PlanID:                windowPlan.ID,
				Ops:                   acct.Ops,
				AbortedOps:            acct.AbortedOps,
				MissedOps:             report.MissedOps,
				TotalBytes:            report.TotalBytes,
				AvgIOBytes:            report.AvgIOBytes,
				MeanFanout:            acct.MeanFanout,
				MaxFanout:             acct.MaxFanout,
				Timeliness:            report.Timeliness,
				Evictions:             acct.Evictions,
				FilteredLowScore:      acct.FilteredLowScore,
				RejectedCredits:       acct.RejectedCredits,
				DeferredCapacity:      acct.DeferredCapacity,
				DroppedExhausted:      acct.DroppedExhausted,
				AdmittedBytesByTenant: acct.AdmittedBytesByTenant,
				RejectedBytesByTenant: acct.RejectedBytesByTenant,
				StreamUtilization:     report.StreamUtilization,
			})
		}
	},
}

// applyOverrides copies explicitly-set CLI flags over the loaded config.
func applyOverrides(cmd *cobra.Command, cfg *plan.Config) {
	if cmd.Flags().Changed("window-ms") {
		cfg.WindowMS = windowMS
	}
	if cmd.Flags().Changed("min-io") {
		cfg.MinIOBytes = minIOBytes
	}
	if cmd.Flags().Changed("max-io") {
		cfg.MaxIOBytes = maxIOBytes
	}
	if cmd.Flags().Changed("max-ops") {
		cfg.MaxOpsPerTier = maxOpsPerTier
	}
	if cmd.Flags().Changed("pmin") {
		cfg.Thresholds.PMin = pmin
	}
	if cmd.Flags().Changed("umin") {
		cfg.Thresholds.UMin = umin
	}
	if cmd.Flags().Changed("alpha") {
		cfg.Popularity.Alpha = alpha
	}
	if cmd.Flags().Changed("beta") {
		cfg.Popularity.Beta = beta
	}
	if cmd.Flags().Changed("streams") {
		cfg.StreamsPerNode = streams
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	if disablePrefixFanout {
		cfg.Flags.PrefixFanout = false
	}
	if disableTenantCredits {
		cfg.Flags.TenantCredits = false
	}
	if disableAdmission {
		cfg.Flags.Admission = false
	}
	if disableEviction {
		cfg.Flags.Eviction = false
	}
	if disableOverlap {
		cfg.Flags.Overlap = false
	}
	if noEnforceTierCaps {
		cfg.Flags.EnforceTierCaps = false
	}
}

func serveMetrics(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		logrus.Errorf("Metrics listener failed: %v", err)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to runtime YAML config")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log verbosity level")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for synthetic workload generation")

	runCmd.Flags().Int64Var(&windowMS, "window-ms", 20, "Planner window duration in ms")
	runCmd.Flags().Int64Var(&minIOBytes, "min-io", 512*1024, "Minimum IO size in bytes for coalesced ops")
	runCmd.Flags().Int64Var(&maxIOBytes, "max-io", 16*1024*1024, "Maximum IO size in bytes for coalesced ops")
	runCmd.Flags().IntVar(&maxOpsPerTier, "max-ops", 64, "Max ops per (node,tier) per window")
	runCmd.Flags().Float64Var(&pmin, "pmin", 0.05, "Popularity threshold")
	runCmd.Flags().Float64Var(&umin, "umin", 0.0, "Urgency threshold")
	runCmd.Flags().Float64Var(&alpha, "alpha", 1.0, "Popularity weight alpha")
	runCmd.Flags().Float64Var(&beta, "beta", 1.0, "Urgency weight beta")
	runCmd.Flags().IntVar(&streams, "streams", 4, "Parallel transfer streams per node")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Partition worker pool size (0 = GOMAXPROCS)")

	runCmd.Flags().BoolVar(&disablePrefixFanout, "disable-prefix-fanout", false, "Restrict clustering to singleton prefixes")
	runCmd.Flags().BoolVar(&disableTenantCredits, "disable-tenant-credits", false, "Admit all tenants unconditionally")
	runCmd.Flags().BoolVar(&disableAdmission, "disable-admission", false, "Skip write-through admission of hot pages")
	runCmd.Flags().BoolVar(&disableEviction, "disable-eviction", false, "Shrink ops instead of evicting on tier-cap shortfall")
	runCmd.Flags().BoolVar(&disableOverlap, "disable-overlap", false, "Force overlap depth 0 (strictly sequential)")
	runCmd.Flags().BoolVar(&noEnforceTierCaps, "no-enforce-tier-caps", false, "Plan without destination tier capacity gating")

	runCmd.Flags().IntVar(&windows, "windows", 5, "Number of planning windows to simulate")
	runCmd.Flags().IntVar(&reqsPerWindow, "requests", 200, "Synthetic requests per window")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (empty = off)")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
