// Command dds-backend runs the disaggregated storage backend with the
// built-in memory file service.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/codezyu/dds"
	"github.com/codezyu/dds/backend"
	"github.com/codezyu/dds/internal/config"
	"github.com/codezyu/dds/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		maxClients int
		debug      bool
	)

	root := &cobra.Command{
		Use:          "dds-backend",
		Short:        "Disaggregated storage dataplane backend",
		SilenceUsage: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the backend until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if maxClients > 0 {
				cfg.MaxClients = maxClients
			}

			level := zapcore.InfoLevel
			if debug {
				level = zapcore.DebugLevel
			}
			log := logging.NewLogger(&logging.Config{Level: level})
			defer log.Sync() //nolint:errcheck

			return runBackend(cfg, log)
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	run.Flags().StringVarP(&listenAddr, "listen", "l", "", "CM listen address (host:port)")
	run.Flags().IntVar(&maxClients, "max-clients", 0, "override client slot count")
	run.Flags().BoolVar(&debug, "debug", false, "debug logging")

	root.AddCommand(run)
	return root
}

func runBackend(cfg *config.Config, log *zap.Logger) error {
	svc := backend.NewMemory(uint64(cfg.MemoryBytes), &backend.MemoryOptions{
		CacheBuckets:     cfg.CacheBuckets,
		CachePreloadPath: cfg.CachePreloadPath,
		Logger:           log,
	})
	defer svc.Close() //nolint:errcheck

	params := dds.DefaultBackEndParams(svc)
	params.ListenAddr = cfg.ListenAddr
	params.MaxClients = cfg.MaxClients
	params.MaxBuffs = cfg.MaxBuffs
	params.DataPlaneWeight = cfg.DataPlaneWeight
	params.PollCPU = cfg.PollCPU
	params.Batching = cfg.Batching
	params.UseImmNotify = cfg.UseImmNotify

	be, err := dds.RunFileBackEnd(params, &dds.Options{Logger: log})
	if err != nil {
		return err
	}

	var g errgroup.Group
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(dds.NewCollector(be.Metrics()))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))

	if err := dds.StopFileBackEnd(be); err != nil {
		return err
	}
	if srv != nil {
		_ = srv.Close()
	}
	return g.Wait()
}
