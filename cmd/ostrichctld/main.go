// Command ostrichctld is the cluster workload manager controller daemon:
// it wires together the Entity Store (C3), lock domain (C2), scheduling
// pipeline (C6), step/credential manager (C7), completion reconciler
// (C8), node health watchdog (C9), reservation manager (C10), and the
// RPC dispatcher (C5) fronting all of them, then serves connections
// until signalled to stop.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	prometheussink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filipjs/ostrichctld/internal/agentqueue"
	"github.com/filipjs/ostrichctld/internal/clock"
	"github.com/filipjs/ostrichctld/internal/config"
	"github.com/filipjs/ostrichctld/internal/lockdomain"
	"github.com/filipjs/ostrichctld/internal/nodehealth"
	"github.com/filipjs/ostrichctld/internal/plugins"
	"github.com/filipjs/ostrichctld/internal/reconciler"
	"github.com/filipjs/ostrichctld/internal/reservation"
	"github.com/filipjs/ostrichctld/internal/rpc"
	"github.com/filipjs/ostrichctld/internal/scheduler"
	"github.com/filipjs/ostrichctld/internal/state"
	"github.com/filipjs/ostrichctld/internal/stepmgr"
	"github.com/filipjs/ostrichctld/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ostrichctld:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		rpcBind    string
		httpBind   string
	)
	flag.StringVar(&configPath, "config", "", "path to the controller config file")
	flag.StringVar(&rpcBind, "rpc-bind", ":7002", "address the RPC dispatcher listens on")
	flag.StringVar(&httpBind, "http-bind", ":7003", "address the Prometheus metrics endpoint listens on")
	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv(config.ConfigPathEnv)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "ostrichctld",
		Level: hclog.Info,
	})

	snap := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		snap = loaded
	}
	cfg := config.NewHolder(snap)

	if err := setupMetrics(); err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	jobIDs := clock.NewJobIDAllocator(1, snap.MaxJobID)
	store, err := state.New(jobIDs)
	if err != nil {
		return fmt.Errorf("init entity store: %w", err)
	}

	locks := lockdomain.NewDomain()
	throttle := lockdomain.NewThrottle()

	signer, err := plugins.NewJoseCredentialSigner()
	if err != nil {
		return fmt.Errorf("init credential signer: %w", err)
	}
	auth := plugins.NewStaticAuth()
	accounting := plugins.NoopAccounting{}

	queue := agentqueue.New(256, agentqueue.LogSender{Logger: logger}, logger)
	go queue.Run()

	placer := &scheduler.DefaultPlugin{
		Store:    store,
		Locks:    locks,
		Config:   cfg,
		Topology: plugins.IdentityTopology{},
		Priority: plugins.AgePriority{},
		Signer:   signer,
		Agent:    queue,
		Logger:   logger,
	}
	pipeline := scheduler.NewPipeline(store, locks, throttle, cfg, placer, logger)

	steps := stepmgr.New(store, locks, signer, logger)

	completion := reconciler.New(store, locks, queue, accounting, pipeline, steps, logger,
		func() bool { return cfg.Current().Defer })

	health := nodehealth.New(store, locks, cfg, queue, pipeline, logger)

	reservations := reservation.New(store, locks)

	tel := telemetry.New()

	dispatcher := rpc.New(store, cfg, auth, auth, pipeline, steps, completion, health, reservations, tel, logger)
	server, err := rpc.NewServer(dispatcher)
	if err != nil {
		return fmt.Errorf("register rpc services: %w", err)
	}

	ln, err := net.Listen("tcp", rpcBind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rpcBind, err)
	}
	logger.Info("rpc listening", "addr", ln.Addr())

	stop := make(chan struct{})
	go func() {
		if err := server.Serve(ln); err != nil {
			logger.Debug("rpc accept loop stopped", "error", err)
		}
	}()
	go pipeline.Run(stop)
	go health.Watch(stop, snap.SlurmdTimeout)

	httpSrv := &http.Server{Addr: httpBind, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics listening", "addr", httpBind)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	waitForSignal(logger)

	close(stop)
	queue.Stop()
	_ = ln.Close()
	_ = httpSrv.Close()
	return nil
}

// setupMetrics wires go-metrics (used directly by internal/scheduler for
// cycle telemetry) to a Prometheus sink exposed over promhttp, mirroring
// the teacher's go-metrics-based telemetry stack.
func setupMetrics() error {
	sink, err := prometheussink.NewPrometheusSink()
	if err != nil {
		return err
	}
	_, err = metrics.NewGlobal(metrics.DefaultConfig("ostrichctld"), sink)
	return err
}

func waitForSignal(logger hclog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
}

