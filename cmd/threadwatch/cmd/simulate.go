package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"threadwatch/internal/agent"
	"threadwatch/internal/host/simhost"
)

var (
	simThreads       int
	simLifetime      time.Duration
	simStateInterval time.Duration
	simDuration      time.Duration
)

// simulateCmd attaches the agent to an in-memory runtime and drives a
// synthetic thread workload through it.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run the agent against a simulated runtime",
	Long: `Attach the agent to an in-memory runtime, run a synthetic thread workload
and write the captured records to the configured output file. Runs until
interrupted or until --duration elapses.`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	rt := simhost.New()
	a, err := agent.Attach(rt, cfg.Agent)
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			agent.NewCollector(a),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		mux := http.NewServeMux()
		mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>
            <head><title>threadwatch</title></head>
            <body>
            <h1>threadwatch v` + version + `</h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
		})

		srv = &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
		go func() {
			log.Info().Str("address", cfg.Server.ListenAddress).Msg("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Failed to start HTTP server")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simDuration)
		defer cancel()
	}

	if err := rt.Start(); err != nil {
		return err
	}
	log.Info().
		Int("threads", simThreads).
		Dur("lifetime", simLifetime).
		Dur("state_interval", simStateInterval).
		Msg("Simulated runtime started")

	spawned := rt.RunWorkload(ctx, simhost.Workload{
		Threads:       simThreads,
		Lifetime:      simLifetime,
		StateInterval: simStateInterval,
	})

	if err := rt.Shutdown(); err != nil {
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}

	st := a.Stats()
	log.Info().
		Int("threads_spawned", spawned).
		Uint64("records_written", st.Writer.Records).
		Uint64("records_dropped", st.Ring.Dropped).
		Str("output", cfg.Agent.OutputFile).
		Msg("Simulation finished")
	return nil
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVarP(&simThreads, "threads", "t", 8,
		"number of concurrently live simulated threads")
	simulateCmd.Flags().DurationVar(&simLifetime, "lifetime", 2*time.Second,
		"mean lifetime of a simulated thread")
	simulateCmd.Flags().DurationVar(&simStateInterval, "state-interval", 20*time.Millisecond,
		"mean time between simulated state changes")
	simulateCmd.Flags().DurationVarP(&simDuration, "duration", "d", 0,
		"stop after this long (0 runs until interrupted)")
}
