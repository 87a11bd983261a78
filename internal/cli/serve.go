package cli

import (
	"context"
	"errors"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"scene-sync/engine/internal/net/ws"
	"scene-sync/engine/internal/sync"
	"scene-sync/engine/internal/telemetry"
	"scene-sync/engine/logging"
	"scene-sync/engine/logging/sinks"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var configPath, listen, metricsListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo synchronization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadServeConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if metricsListen != "" {
				cfg.MetricsListen = metricsListen
			}
			if opts.Verbose {
				cfg.Logging.Severity = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")
	cmd.Flags().StringVar(&listen, "listen", "", "websocket listen address (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "prometheus listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg ServeConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	severity, err := parseSeverity(cfg.Logging.Severity)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.EnabledSinks = cfg.Logging.Sinks
	logCfg.MinimumSeverity = severity

	var named []logging.NamedSink
	if logCfg.HasSink(logging.SinkConsole) {
		named = append(named, logging.NamedSink{
			Name: logging.SinkConsole,
			Sink: sinks.NewConsoleSink(os.Stdout, logCfg.Console),
		})
	}
	if logCfg.HasSink(logging.SinkJSON) {
		var out *os.File
		if cfg.Logging.JSONPath != "" {
			out, err = os.OpenFile(cfg.Logging.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer out.Close()
		} else {
			out = os.Stdout
		}
		named = append(named, logging.NamedSink{
			Name: logging.SinkJSON,
			Sink: sinks.NewJSON(out, logCfg.JSON.FlushInterval),
		})
	}

	routerMetrics := &logging.Metrics{}
	router, err := logging.NewRouter(nil, logCfg, routerMetrics, named)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		router.Close(closeCtx)
	}()

	stdlog := log.New(os.Stdout, "", log.LstdFlags)
	tlogger := telemetry.WrapLogger(stdlog)
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPromMetrics(registry, "scene_sync")

	transport := ws.NewServerTransport(ws.ServerConfig{Logger: tlogger, Metrics: metrics})
	defer transport.Close()

	host := newDemoHost(cfg.DemoObjects)
	scene := sync.NewScene(cfg.Sync, host, transport, sync.Deps{
		Publisher: router,
		Logger:    tlogger,
		Metrics:   metrics,
	})
	demoGroup, err := host.register(scene)
	if err != nil {
		return err
	}
	receiver := &demoReceiver{scene: scene, group: demoGroup, logger: tlogger}

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/ws", transport.Handle)
	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	})
	server := &nethttp.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			stdlog.Printf("websocket listener failed: %v", err)
			stop()
		}
	}()

	var metricsServer *nethttp.Server
	if cfg.MetricsListen != "" {
		metricsMux := nethttp.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &nethttp.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				stdlog.Printf("metrics listener failed: %v", err)
			}
		}()
	}

	tps := scene.Config().TicksPerSecond
	delta := 1.0 / tps
	ticker := time.NewTicker(time.Duration(float64(time.Second) / tps))
	defer ticker.Stop()

	stdlog.Printf("serving %d demo objects on %s at %.0f ticks/s", cfg.DemoObjects, cfg.Listen, tps)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			if metricsServer != nil {
				metricsServer.Shutdown(shutdownCtx)
			}
			stdlog.Printf("shutting down after tick %d", scene.Tick())
			return nil
		case <-ticker.C:
			transport.Pump(receiver)
			host.step(delta)
			scene.Process(delta)
		}
	}
}
