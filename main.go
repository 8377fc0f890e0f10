package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy"
	"github.com/sidcorp-team/pingwall/mod/pwconfig"
	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

/* SIGTERM/SIGINT handler: drain listeners, stop background workers, exit 0 */
func setupCloseHandler(metricsServer *http.Server) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c
		SystemWideLogger.Println("shutdown signal received, draining listeners")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := router.StopProxyService(ctx); err != nil {
			SystemWideLogger.PrintAndLog("shutdown", "error stopping proxy listeners", err)
		}
		if metricsServer != nil {
			metricsServer.Shutdown(ctx)
		}

		SystemWideLogger.Println(SYSTEM_NAME + " stopped")
		SystemWideLogger.Close()
		os.Exit(0)
	}()
}

func resolveConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env
	}
	return ""
}

func main() {
	flag.Parse()

	if *showver {
		fmt.Println(SYSTEM_NAME + " - Version " + SYSTEM_VERSION)
		os.Exit(0)
	}

	var err error
	SystemWideLogger, err = pwlog.New(LOG_PREFIX, *logDir)
	if err != nil {
		fmt.Println("failed to initialize logger:", err)
		os.Exit(1)
	}

	cfgPath := resolveConfigPath()
	if cfgPath == "" {
		SystemWideLogger.PrintAndLog("startup", "no configuration file given: pass --config or set CONFIG_FILE", nil)
		os.Exit(1)
	}

	activeConfig, err = pwconfig.Load(cfgPath)
	if err != nil {
		SystemWideLogger.PrintAndLog("startup", "configuration invalid", err)
		os.Exit(1)
	}

	metricsSink = pwmetrics.New()

	routes, globalDefault := buildRouteTable(activeConfig)

	sweepInterval := DEFAULT_SWEEP_INTERVAL
	router, err = dynamicproxy.NewDynamicProxy(dynamicproxy.RouterOption{
		Listeners:     activeConfig.Listeners,
		UseCloudflare: activeConfig.UseCloudflare,
		BlockURL:      activeConfig.BlockURL,
		APIKey:        activeConfig.APIKey,
		SweepInterval: sweepInterval,
		QueueCapacity: 1024,
		Logger:        SystemWideLogger,
		Metrics:       metricsSink,
	}, routes, globalDefault)
	if err != nil {
		SystemWideLogger.PrintAndLog("startup", "failed to build proxy router", err)
		os.Exit(1)
	}

	ready := false
	metricsPort := activeConfig.MetricsPort
	if metricsPort == 0 {
		metricsPort = DEFAULT_METRICS_PORT
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort),
		Handler: metricsSink.ServeMux(func() bool { return ready }),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			SystemWideLogger.PrintAndLog("metrics", "metrics listener stopped", err)
		}
	}()

	if err := router.StartProxyService(); err != nil {
		SystemWideLogger.PrintAndLog("startup", "failed to bind proxy listeners", err)
		os.Exit(2)
	}
	ready = true

	setupCloseHandler(metricsServer)

	SystemWideLogger.Println(fmt.Sprintf("%s started with %d listener(s), metrics on :%d", SYSTEM_NAME, len(activeConfig.Listeners), metricsPort))

	select {}
}

// buildRouteTable splits the config snapshot's flat RouteEntry list
// into the routes NewDynamicProxy indexes and the synthetic
// no-upstream placeholder used to produce 404s when nothing else
// matches.
func buildRouteTable(cfg *pwconfig.Snapshot) ([]dynamicproxy.RouteEntry, *dynamicproxy.RouteEntry) {
	globalDefault := &dynamicproxy.RouteEntry{
		ID:   "global-default",
		Path: "/",
	}
	return cfg.Routes, globalDefault
}
