package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate-io/streamgate/internal/config"
	"github.com/streamgate-io/streamgate/internal/coordination"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/logstore"
	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/oxia"
	"github.com/streamgate-io/streamgate/internal/metrics"
	"github.com/streamgate-io/streamgate/internal/proxy"
	"github.com/streamgate-io/streamgate/internal/routing"
	"github.com/streamgate-io/streamgate/internal/server"
	"github.com/streamgate-io/streamgate/internal/streams"
)

func runProxy(args []string) {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :7001)")
	advertisedAddr := fs.String("advertised", "", "Override advertised address (e.g., proxy1.example.com:7001)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9090)")
	region := fs.String("region", "", "Override region label")
	mockMetadata := fs.Bool("mock-metadata", false, "Use an in-memory metadata store (single-process testing only)")

	fs.Usage = func() {
		fmt.Println(`Usage: streamgated proxy [options]

Start the Streamgate write proxy.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		cfg.Proxy.ListenAddr = *listenAddr
	}
	if *advertisedAddr != "" {
		cfg.Proxy.AdvertisedAddr = *advertisedAddr
	}
	if *healthAddr != "" {
		cfg.Observability.MetricsAddr = *healthAddr
	}
	if *region != "" {
		cfg.Proxy.Region = *region
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	p, err := NewProxy(ProxyOptions{
		Config:       cfg,
		Logger:       logger,
		MockMetadata: *mockMetadata,
		Version:      version,
	})
	if err != nil {
		logger.Errorf("failed to create proxy", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && err != server.ErrServerClosed {
			logger.Errorf("proxy error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("proxy shutdown complete")
}

// ProxyOptions contains the configuration for creating a proxy.
type ProxyOptions struct {
	Config       *config.Config
	Logger       *logging.Logger
	MockMetadata bool
	Version      string
}

// Proxy represents a running Streamgate proxy instance.
type Proxy struct {
	opts   ProxyOptions
	logger *logging.Logger

	metaStore    metadata.MetadataStore
	manager      *streams.Manager
	tcpServer    *server.Server
	healthServer *server.HealthServer

	mu      sync.Mutex
	started bool
}

// NewProxy creates a new Proxy instance but does not start it.
func NewProxy(opts ProxyOptions) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Proxy{opts: opts, logger: opts.Logger}, nil
}

// Start initializes and starts all proxy components. It blocks serving
// client connections until the server stops.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("proxy already started")
	}
	p.started = true
	p.mu.Unlock()

	cfg := p.opts.Config

	advertised, err := advertisedAddress(cfg)
	if err != nil {
		return err
	}

	p.logger.Infof("starting proxy", map[string]any{
		"listenAddr": cfg.Proxy.ListenAddr,
		"advertised": advertised.String(),
		"region":     cfg.Proxy.Region,
		"version":    p.opts.Version,
	})

	if p.opts.MockMetadata {
		p.metaStore = metadata.NewMockStore()
	} else {
		store, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
			RequestTimeout: cfg.Metadata.RequestTimeout(),
			SessionTimeout: cfg.Metadata.SessionTimeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to metadata store: %w", err)
		}
		p.metaStore = store
	}

	registry, err := streams.NewRegistry(p.metaStore, cfg.Client.StreamNameRegex)
	if err != nil {
		return err
	}
	owners := streams.NewOwnerRegistry(p.metaStore, advertised.String())

	smMetrics := metrics.NewStreamManagerMetrics()
	srvMetrics := metrics.NewServerMetrics()

	p.manager = streams.NewManager(
		registry,
		owners,
		coordination.NewLockManager(p.metaStore, advertised.String()),
		logstore.NewMemStore(logstore.MemStoreOptions{
			OutputBufferSize: cfg.Stream.OutputBufferSize,
			FlushInterval:    cfg.Stream.PeriodicFlushFrequency(),
		}),
		streams.ManagerOptions{
			LockTimeout:       cfg.Stream.LockTimeout(),
			DrainTimeout:      cfg.Proxy.DrainTimeout(),
			CreateIfNotExists: cfg.Stream.CreateStreamIfNotExists,
		},
		p.logger,
		smMetrics,
	)

	p.healthServer = server.NewHealthServer(cfg.Observability.MetricsAddr, p.logger)
	p.healthServer.RegisterHandler("/metrics", promhttp.Handler())
	p.healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(p.metaStore))
	if err := p.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	p.logger.Infof("health server started", map[string]any{
		"addr": p.healthServer.Addr(),
	})

	handler := proxy.NewHandler(p.manager, owners, registry, advertised.String(), srvMetrics)

	serverCfg := server.DefaultConfig()
	serverCfg.ListenAddr = cfg.Proxy.ListenAddr
	p.tcpServer = server.New(serverCfg, handler, p.logger).WithMetrics(srvMetrics)

	p.logger.Infof("starting write proxy server", map[string]any{
		"addr": cfg.Proxy.ListenAddr,
	})
	return p.tcpServer.ListenAndServe()
}

// Shutdown gracefully stops the proxy: it stops accepting connections,
// drains in-flight requests, releases owned streams, and closes the
// metadata session.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.logger.Info("shutting down proxy")

	if p.healthServer != nil {
		p.healthServer.SetShuttingDown()
	}

	if p.tcpServer != nil {
		if err := p.tcpServer.Shutdown(ctx); err != nil && err != server.ErrServerClosed {
			p.logger.Warnf("error shutting down tcp server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Release owned streams before the session drops, so the locks are
	// freed deliberately rather than by session expiry.
	if p.manager != nil {
		if err := p.manager.Close(ctx); err != nil {
			p.logger.Warnf("error draining stream manager", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if p.healthServer != nil {
		if err := p.healthServer.Close(); err != nil {
			p.logger.Warnf("error closing health server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if p.metaStore != nil {
		if err := p.metaStore.Close(); err != nil {
			p.logger.Warnf("error closing metadata store", map[string]any{
				"error": err.Error(),
			})
		}
	}

	p.logger.Info("proxy shutdown complete")
	return nil
}

// advertisedAddress derives the address other processes use to reach this
// proxy. Falls back from the configured advertised address to the listen
// address with the hostname substituted for wildcard hosts.
func advertisedAddress(cfg *config.Config) (routing.Address, error) {
	raw := cfg.Proxy.AdvertisedAddr
	if raw == "" {
		raw = cfg.Proxy.ListenAddr
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return routing.Address{}, fmt.Errorf("bad advertised address %q: %w", raw, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		hostname, err := os.Hostname()
		if err != nil {
			return routing.Address{}, fmt.Errorf("resolve hostname: %w", err)
		}
		host = hostname
	}

	return routing.ParseAddress(routing.SchemeInet + "!" + net.JoinHostPort(host, portStr))
}
