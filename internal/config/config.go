// Package config defines the gateway's on-disk and command-line
// configuration, grounded on the teacher's config.go: a flat Config struct
// with go-flags `long` tags for every field, grouped sub-configs for
// concerns like Prometheus, and a NewConfig constructor holding defaults
// rooted under a btcutil.AppDataDir base directory.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/satgateway/gateway/internal/metrics"
)

var (
	gatewayDataDir        = btcutil.AppDataDir("satgateway", false)
	defaultConfigFilename = "gatewayd.yaml"
	defaultLogFilename    = "gatewayd.log"
	defaultLogLevel       = "info"
)

const (
	defaultListenAddr       = "localhost:8080"
	defaultWorkerPoolSize   = 4
	defaultMaxFeedsAllowed  = 1
	defaultPollInterval     = 500 * time.Millisecond
	defaultInvoiceWait      = 5 * time.Second
	defaultExchangeRateURL  = "https://blockchain.info/tobtc?currency=USD&value=1"
	defaultLightningSocket  = "/root/.lightning/lightning-rpc"
)

// Config is the gateway daemon's full configuration surface, populated by
// NewConfig's defaults, then by command-line flags, and then by an on-disk
// YAML file, whose keys take precedence over flags.
type Config struct {
	// ListenAddr is the host:port the websocket RPC server listens on.
	ListenAddr string `long:"listenaddr" description:"The interface we should listen on for client websocket connections." yaml:"listenaddr"`

	// DatabaseDSN is the Postgres connection string backing internal/store.
	DatabaseDSN string `long:"databasedsn" description:"Postgres connection string for the accounts/invoices/payouts database." yaml:"databasedsn"`

	// TokenSecretPath points at a file holding the 32-byte HMAC secret
	// used to sign session tokens.
	TokenSecretPath string `long:"tokensecretpath" description:"Path to the 32-byte session token signing secret." yaml:"tokensecretpath"`

	// LightningSocketPath is the Unix domain socket of the CLN-style node
	// the gateway issues invoices against.
	LightningSocketPath string `long:"lightningsocketpath" description:"Path to the Lightning node's JSON-RPC unix socket." yaml:"lightningsocketpath"`

	// ExchangeRateURL is the HTTP endpoint returning the current BTC/USD
	// exchange rate as plain text.
	ExchangeRateURL string `long:"exchangerateurl" description:"URL returning the current BTC/USD exchange rate as plain text." yaml:"exchangerateurl"`

	// WorkerPoolSize is how many goroutines process inbound RPC requests
	// per connection.
	WorkerPoolSize int `long:"workerpoolsize" description:"Number of goroutines processing inbound RPC requests per connection." yaml:"workerpoolsize"`

	// MaxFeedsAllowed is the per-connection feed quota.
	MaxFeedsAllowed int `long:"maxfeedsallowed" description:"Maximum number of concurrently open feeds per connection." yaml:"maxfeedsallowed"`

	// PollInterval is how often the Lightning monitor polls pending
	// invoices for a status change.
	PollInterval time.Duration `long:"pollinterval" description:"How often the Lightning monitor polls pending invoices." yaml:"pollinterval"`

	// InvoiceWait bounds how long create_invoice waits for the monitor to
	// mark an invoice pending before returning a timeout error.
	InvoiceWait time.Duration `long:"invoicewait" description:"Maximum time create_invoice waits for the invoice to become pending." yaml:"invoicewait"`

	// Prometheus is the configuration section for the metrics exporter.
	Prometheus *metrics.Config `group:"prometheus" namespace:"prometheus" description:"Configuration setting up an endpoint that a Prometheus server can scrape." yaml:"prometheus"`

	// DebugLevel is a string defining the log level, matching the
	// teacher's single global debug-level knob.
	DebugLevel string `long:"debuglevel" description:"Debug level for the gateway daemon and its subsystems." yaml:"debuglevel"`

	// ConfigFile points the daemon at an alternative config file.
	ConfigFile string `long:"configfile" description:"Custom path to a config file." yaml:"-"`

	// BaseDir is a custom directory to store all of the gateway's files
	// in (log file, default config file location).
	BaseDir string `long:"basedir" description:"Directory to place all of the gateway's files in." yaml:"basedir"`
}

// NewConfig returns a Config populated with the gateway's defaults, rooted
// under gatewayDataDir unless BaseDir is later overridden.
func NewConfig() *Config {
	return &Config{
		ListenAddr:          defaultListenAddr,
		LightningSocketPath: defaultLightningSocket,
		ExchangeRateURL:     defaultExchangeRateURL,
		WorkerPoolSize:      defaultWorkerPoolSize,
		MaxFeedsAllowed:     defaultMaxFeedsAllowed,
		PollInterval:        defaultPollInterval,
		InvoiceWait:         defaultInvoiceWait,
		Prometheus:          &metrics.Config{},
		DebugLevel:          defaultLogLevel,
		BaseDir:             gatewayDataDir,
	}
}

// DefaultConfigPath returns where the daemon looks for its YAML config file
// absent an explicit -configfile flag.
func DefaultConfigPath() string {
	return filepath.Join(gatewayDataDir, defaultConfigFilename)
}

// LogFilePath returns where the daemon's rotated log file lives, under
// cfg.BaseDir.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.BaseDir, defaultLogFilename)
}

// Validate checks that the fields required to start the daemon are set,
// mirroring the teacher's Config.validate.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("missing listen address for server")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("missing database connection string")
	}
	if c.TokenSecretPath == "" {
		return fmt.Errorf("missing token secret path")
	}
	if c.LightningSocketPath == "" {
		return fmt.Errorf("missing lightning node socket path")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker pool size must be greater than 0")
	}
	if c.MaxFeedsAllowed <= 0 {
		return fmt.Errorf("max feeds allowed must be greater than 0")
	}
	return nil
}
