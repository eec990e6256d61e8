// Command cloudlet-driver runs one key-value or queue driver and registers it for
// connectors to discover.
//
//	cloudlet-driver -config driver.yaml
//
// CLOUDLET_* environment variables (driver.listen is CLOUDLET_DRIVER_LISTEN) take
// precedence over the config file. When registry.endpoints and config.prefix are set,
// keys under the prefix in etcd supply whatever neither of them sets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"cloudlet-rpc/config"
	"cloudlet-rpc/driver"
	"cloudlet-rpc/driver/kv"
	"cloudlet-rpc/driver/queue"
	"cloudlet-rpc/logging"
	"cloudlet-rpc/metrics"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/registry"
	"cloudlet-rpc/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "cloudlet-driver:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var resolver config.Resolver = config.EnvResolver{Prefix: "CLOUDLET"}
	if configPath != "" {
		file, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		resolver = config.Chain(resolver, file)
	}

	logger, err := logging.New(logging.Config{
		Level:  config.Resolve(resolver, "log.level", "info"),
		Format: config.Resolve(resolver, "log.format", "text"),
		File:   config.Resolve(resolver, "log.file", ""),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reg registry.Registry
	if endpoints := config.Resolve(resolver, "registry.endpoints", ""); endpoints != "" {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(endpoints, ","),
			DialTimeout: config.Resolve(resolver, "registry.dial_timeout", 5*time.Second),
		})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer client.Close()

		if prefix := config.Resolve(resolver, "config.prefix", ""); prefix != "" {
			remote, err := config.NewEtcdResolver(ctx, client, prefix)
			if err != nil {
				return err
			}
			go remote.Watch(ctx, logger)
			resolver = config.Chain(resolver, remote)
		}
		reg = registry.NewEtcdRegistryFromClient(client,
			registry.WithPrefix(config.Resolve(resolver, "registry.prefix", registry.DefaultPrefix)),
			registry.WithLogger(logger),
		)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg, config.Resolve(resolver, "metrics.namespace", "cloudlet"))
	if err != nil {
		return err
	}

	// one reactor for every session of the process; pending work fails once it terminates
	r := reactor.New(reactor.WithLogger(logger))
	defer r.Terminate()

	cfg := driver.ConfigFrom(resolver)
	opts := []driver.Option{driver.WithConfig(cfg), driver.WithLogger(logger), driver.WithMetrics(m), driver.WithReactor(r)}
	if reg != nil {
		opts = append(opts, driver.WithRegistry(reg))
	}
	d, err := newDriver(resolver, cfg.Kind, logger, opts)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 2)
	admin, ws := adminServer(d, cfg, resolver, promReg)
	if ws != nil {
		go func() { serveErr <- d.Serve(ws) }()
	} else {
		l, err := transport.ListenTCP(cfg.Listen, cfg.TransportOptions())
		if err != nil {
			return err
		}
		go func() { serveErr <- d.Serve(l) }()
	}
	if admin != nil {
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}
	logger.WithFields(logrus.Fields{
		"driver":    d.Kind(),
		"listen":    cfg.Listen,
		"transport": cfg.Transport,
	}).Info("driver started")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("driver stopped serving")
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Resolve(resolver, "driver.shutdown_timeout", 10*time.Second))
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newDriver(r config.Resolver, kind string, logger logrus.FieldLogger, opts []driver.Option) (*driver.Driver, error) {
	switch kind {
	case "", "kv":
		return kv.New(kv.NewStore(), opts...)
	case "queue":
		return queue.New(queue.NewBroker(logger), queue.ConfigFrom(r), opts...)
	}
	return nil, fmt.Errorf("unknown driver kind %q", kind)
}

// adminServer builds the HTTP surface. On the ws transport it also carries the session
// endpoint and listens on driver.listen; otherwise it listens on admin.listen, if set.
func adminServer(d *driver.Driver, cfg driver.Config, r config.Resolver, gatherer prometheus.Gatherer) (*http.Server, *transport.WebSocketListener) {
	var ws *transport.WebSocketListener
	addr := config.Resolve(r, "admin.listen", "")
	if cfg.Transport == transport.NetworkWebSocket {
		advertise := cfg.Advertise
		if advertise == "" {
			advertise = cfg.Listen
		}
		ws = transport.NewWebSocketListener(advertise, cfg.TransportOptions())
		addr = cfg.Listen
	}
	if addr == "" {
		return nil, nil
	}
	return &http.Server{
		Addr:              addr,
		Handler:           d.AdminRouter(ws, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}, ws
}
