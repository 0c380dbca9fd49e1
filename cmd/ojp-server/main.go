// Command ojp-server runs the proxy's RPC-facing endpoint: it loads
// configuration, wires the statement dispatcher and its collaborators,
// and serves the AMQP device queue named by device.id until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ojp-proxy/ojp-go/internal/config"
	"github.com/ojp-proxy/ojp-go/internal/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/dsmanager"
	"github.com/ojp-proxy/ojp-go/internal/ipfilter"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"github.com/ojp-proxy/ojp-go/internal/placeholder"
	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/server"
)

func main() {
	configDir := flag.String("config-dir", ".", "directory containing ojp-<environment>.properties")
	flag.Parse()
	overrides := flag.Args()

	cfg, err := config.Load(*configDir, overrides, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Environment == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	filter, err := ipfilter.New(cfg.AllowedIPs)
	if err != nil {
		log.Fatal("invalid allowed.ips", zap.Error(err))
	}
	if _, err := config.Load(*configDir, overrides, func(reloaded *config.Config) {
		if err := filter.Update(reloaded.AllowedIPs); err != nil {
			log.Warn("reloaded allowed.ips rejected", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("re-registering config watch", zap.Error(err))
	}

	m := metrics.New()
	sessions := session.NewStore()
	conns := dsmanager.NewManager(sessions, m, log)
	resolver := placeholder.NewResolver(systemProperties(overrides))

	d := dispatch.New(dispatch.Config{
		RowsPerBlock:      500,
		MaxLOBBlock:       1 << 20,
		SlowSlotPercent:   cfg.Segregator.SlowSlotPercent,
		FastTimeout:       cfg.Segregator.FastSlotTimeout,
		SlowTimeout:       cfg.Segregator.SlowSlotTimeout,
		IdleTimeout:       cfg.Segregator.IdleTimeout,
		MinSamples:        cfg.Segregator.MinSamples,
		RecomputeEvery:    cfg.Segregator.RecomputeEvery,
		RecomputeInterval: cfg.Segregator.RecomputeInterval,
	}, sessions, conns, filter, resolver, m, log)

	poolCfg := server.WorkerPoolConfig{WorkerCount: cfg.ThreadPoolSize}
	h := server.NewHandler(cfg.DeviceID, cfg.AMQPURL, d, filter, m, log, poolCfg, cfg.ConnectionIdle)

	if cfg.PrometheusPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
			addr := fmt.Sprintf(":%d", cfg.PrometheusPort)
			log.Info("serving metrics", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting ojp-server", zap.String("device", cfg.DeviceID), zap.Int("port", cfg.Port))
	if err := h.Start(ctx); err != nil {
		log.Fatal("handler stopped", zap.Error(err))
	}
}

// systemProperties extracts "-D name=value" overrides from the raw CLI
// args, mirroring the tier internal/config.Load applies them at, for the
// placeholder resolver's "server."/"client." namespace.
func systemProperties(overrides []string) map[string]string {
	props := map[string]string{}
	for i := 0; i < len(overrides); i++ {
		arg := overrides[i]
		if arg != "-D" && arg != "--D" {
			continue
		}
		if i+1 >= len(overrides) {
			continue
		}
		kv := overrides[i+1]
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			props[parts[0]] = parts[1]
		}
	}
	return props
}
