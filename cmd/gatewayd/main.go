// Command gatewayd is the merchant Lightning payment gateway daemon. It
// wires together the connection handler, invoice generator, Lightning
// monitor, and metrics exporter and serves client websocket connections
// until a shutdown signal arrives, mirroring the teacher's aperture.go
// start()/cleanup() pattern.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"

	"github.com/satgateway/gateway/internal/config"
	"github.com/satgateway/gateway/internal/exchange"
	"github.com/satgateway/gateway/internal/invoice"
	"github.com/satgateway/gateway/internal/lightning"
	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/metrics"
	"github.com/satgateway/gateway/internal/monitor"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/store"
	"github.com/satgateway/gateway/internal/token"
	"github.com/satgateway/gateway/internal/wsrpc"
)

var log = logging.SubLogger("MAIN")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.NewConfig()
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	configFile := cfg.ConfigFile
	if configFile == "" {
		configFile = config.DefaultConfigPath()
	}
	if err := loadConfigFile(configFile, cfg); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.SetLevel(cfg.DebugLevel); err != nil {
		return fmt.Errorf("invalid debuglevel %q: %w", cfg.DebugLevel, err)
	}

	return start(cfg)
}

// loadConfigFile overlays path's YAML content onto cfg, leaving fields the
// file doesn't mention at their NewConfig defaults (or at whatever a flag
// already set, since flags were parsed first and yaml.Unmarshal only
// touches keys present in the file).
func loadConfigFile(path string, cfg *config.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

// start brings up every collaborator the gateway needs and serves
// connections until the process receives SIGINT/SIGTERM.
func start(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer pool.Close()

	bus := pubsub.New()
	db := store.New(pool, bus)

	secret, err := os.ReadFile(cfg.TokenSecretPath)
	if err != nil {
		return fmt.Errorf("unable to read token secret: %w", err)
	}
	tokens, err := token.NewService(secret)
	if err != nil {
		return fmt.Errorf("invalid token secret: %w", err)
	}

	node := lightning.NewUnixSocketNode(cfg.LightningSocketPath)
	exchangeSource := exchange.NewHTTPSource(cfg.ExchangeRateURL)
	invoices := invoice.New(db, bus)
	invoices.SetWait(cfg.InvoiceWait)

	mon := monitor.New(node, db, bus)
	mon.SetPollInterval(cfg.PollInterval)
	mon.Start()
	defer mon.Stop()

	shutdown := make(chan struct{})
	defer close(shutdown)
	if err := metrics.StartExporter(cfg.Prometheus, shutdown); err != nil {
		return fmt.Errorf("unable to start metrics exporter: %w", err)
	}

	dispatcher := wsrpc.NewDispatcher()
	wsrpc.RegisterMethods(dispatcher, wsrpc.Deps{
		AccountStore: db,
		Tokens:       tokens,
		Invoices:     invoices,
		Exchange:     exchangeSource,
	})

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade failed: %v", err)
			return
		}
		conn := wsrpc.NewConn(ws, dispatcher, wsrpc.Options{
			WorkerPoolSize:  cfg.WorkerPoolSize,
			MaxFeedsAllowed: cfg.MaxFeedsAllowed,
			Bus:             bus,
		})
		conn.Serve(r.Context())
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("starting the server, listening on %s", cfg.ListenAddr)
		errChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-sigChan:
		log.Infof("received %v, shutting down", sig)
		_ = httpServer.Close()
	}
	return nil
}
