package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelicanmail/pelican/config"
	"github.com/pelicanmail/pelican/logger"
	"github.com/pelicanmail/pelican/provider"
	"github.com/pelicanmail/pelican/provider/memory"
	"github.com/pelicanmail/pelican/provider/postgres"
	"github.com/pelicanmail/pelican/provider/sqlite"
	"github.com/pelicanmail/pelican/server/pop3"
	"github.com/pelicanmail/pelican/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	addr := flag.String("addr", cfg.Servers.POP3.Addr, "POP3 listen address")
	tlsAddr := flag.String("tls-addr", cfg.Servers.POP3.TLSAddr, "POP3 implicit-TLS listen address")
	backend := flag.String("backend", cfg.Provider.Backend, "Mailbox backend (sqlite, postgres, memory)")
	metricsAddr := flag.String("metrics-addr", cfg.Servers.Metrics.Addr, "Metrics HTTP listen address")
	logLevel := flag.String("log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pelican version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) && !isFlagSet("config") {
			fmt.Fprintf(os.Stderr, "pelican: configuration file '%s' not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pelican: error parsing configuration file '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	// Flags given on the command line win over the file.
	if isFlagSet("addr") {
		cfg.Servers.POP3.Addr = *addr
	}
	if isFlagSet("tls-addr") {
		cfg.Servers.POP3.TLSAddr = *tlsAddr
	}
	if isFlagSet("backend") {
		cfg.Provider.Backend = *backend
	}
	if isFlagSet("metrics-addr") {
		cfg.Servers.Metrics.Addr = *metricsAddr
		cfg.Servers.Metrics.Start = true
	}
	if isFlagSet("log-level") {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pelican: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pelican: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("pelican starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	var blobs *storage.BlobStore
	if cfg.S3.Enabled {
		blobs, err = storage.New(ctx, cfg.S3)
		if err != nil {
			logger.Fatal("failed to initialize S3 blob store", "error", err)
		}
	}

	prov, err := newProvider(ctx, cfg, blobs)
	if err != nil {
		logger.Fatal("failed to initialize provider", "backend", cfg.Provider.Backend, "error", err)
	}
	defer func() {
		if closer, ok := prov.(io.Closer); ok {
			closer.Close()
		}
	}()

	errChan := make(chan error, 2)

	var pop3Server *pop3.POP3Server
	if cfg.Servers.POP3.Start {
		pop3Server, err = newPOP3Server(ctx, hostname, prov, cfg.Servers.POP3)
		if err != nil {
			logger.Fatal("failed to initialize POP3 server", "error", err)
		}
		if err := pop3Server.Listen(); err != nil {
			logger.Fatal("failed to bind POP3 listeners", "error", err)
		}
		go pop3Server.Serve(errChan)
	} else {
		logger.Warn("POP3 server disabled by configuration")
	}

	var metricsServer *http.Server
	if cfg.Servers.Metrics.Start {
		metricsServer = startMetricsServer(cfg.Servers.Metrics.Addr, errChan)
	}

	select {
	case <-ctx.Done():
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		cancel()
	}

	if pop3Server != nil {
		pop3Server.Close()
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("pelican stopped")
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newProvider(ctx context.Context, cfg config.Config, blobs *storage.BlobStore) (provider.Provider, error) {
	switch cfg.Provider.Backend {
	case "sqlite":
		return sqlite.New(ctx, cfg.Provider.SQLite, blobs)
	case "postgres":
		return postgres.New(ctx, cfg.Provider.Postgres, blobs)
	case "memory":
		// Development only; every restart loses all accounts and mail.
		logger.Warn("memory backend selected, no state will be persisted")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
}

func newPOP3Server(ctx context.Context, hostname string, prov provider.Provider, cfg config.POP3Config) (*pop3.POP3Server, error) {
	authErrorDelay, err := cfg.GetAuthErrorDelay()
	if err != nil {
		return nil, err
	}
	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, err
	}
	return pop3.New(ctx, hostname, prov, pop3.POP3ServerOptions{
		Addr:           cfg.Addr,
		TLSAddr:        cfg.TLSAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		MaxAuthErrors:  cfg.MaxAuthErrors,
		AuthErrorDelay: authErrorDelay,
		IdleTimeout:    idleTimeout,
	})
}

func startMetricsServer(addr string, errChan chan error) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	return server
}
