// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/zond/internal/logger"
	"github.com/woozymasta/zond/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Storage Storage       `group:"Storage Options" namespace:"db" env-namespace:"ZOND_DB"`
	Master  Master        `group:"Master List Options" namespace:"master" env-namespace:"ZOND_MASTER"`
	Poll    Poll          `group:"Polling Options" namespace:"poll" env-namespace:"ZOND_POLL"`
	Query   Query         `group:"Query Options" namespace:"query" env-namespace:"ZOND_QUERY"`
	GeoIP   GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"ZOND_GEOIP"`
	API     API           `group:"API Options" namespace:"api" env-namespace:"ZOND_API"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"ZOND_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Storage holds database configuration and one-shot maintenance flags.
type Storage struct {
	// betteralign:ignore

	Path           string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"zond.db"`
	PruneUnseen    bool   `long:"prune-unseen" description:"Delete servers that never had a successful poll, then exit"`
	RecheckOffline bool   `long:"recheck-offline" description:"Probe every offline server once, apply results, then exit"`
	GenerateCount  int    `long:"gen-fake-data" hidden:"true"`
}

// Master holds discovery configuration for the master server list.
type Master struct {
	// betteralign:ignore

	URL        string        `short:"m" long:"url" env:"URL" description:"Master server list URL" default:"http://master.bf1942.org/json"`
	Interval   time.Duration `long:"interval" env:"INTERVAL" description:"Master list poll interval" default:"5m"`
	MaxBackoff time.Duration `long:"max-backoff" env:"MAX_BACKOFF" description:"Upper bound for fetch retry backoff" default:"15m"`
	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Master list request timeout" default:"10s"`
}

// Poll holds the adaptive scheduler configuration: per-tier cadence,
// offline threshold and the global concurrency/rate budget.
type Poll struct {
	// betteralign:ignore

	Tick             time.Duration `long:"tick" env:"TICK" description:"Scheduler tick cadence" default:"1s"`
	ActiveInterval   time.Duration `long:"active-interval" env:"ACTIVE_INTERVAL" description:"Poll interval for servers with players" default:"30s"`
	EmptyInterval    time.Duration `long:"empty-interval" env:"EMPTY_INTERVAL" description:"Poll interval for empty servers" default:"120s"`
	OfflineInterval  time.Duration `long:"offline-interval" env:"OFFLINE_INTERVAL" description:"Poll interval for offline servers" default:"600s"`
	OfflineThreshold int           `long:"offline-threshold" env:"OFFLINE_THRESHOLD" description:"Consecutive failures before a server is considered offline" default:"3"`
	MaxProbes        int           `long:"max-probes" env:"MAX_PROBES" description:"Maximum concurrent probes" default:"50"`
	Rate             float64       `long:"rate" env:"RATE" description:"Global probe dispatch rate, probes per second" default:"100"`
}

// Query holds UDP query protocol configuration.
type Query struct {
	// betteralign:ignore

	Timeout      time.Duration `long:"timeout" env:"TIMEOUT" description:"Per-attempt query timeout" default:"3s"`
	BufferSize   uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
	FallbackPort int           `long:"fallback-port" env:"FALLBACK_PORT" description:"Canonical query port tried when the advertised port does not answer" default:"23000"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"zond.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
	Disable  bool          `long:"disable" env:"DISABLE" description:"Disable country resolution entirely"`
}

// API holds the read-only status HTTP API configuration.
type API struct {
	// betteralign:ignore

	Address        string        `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"API listen address, empty disables the API" default:":8090"`
	AuthToken      string        `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"API authentication token"`
	TrustProxy     bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: requests count" default:"16"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.API.Address != "" && cfg.API.AuthToken == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-t, --api-auth-token' or environment variable `ZOND_API_AUTH_TOKEN` was not specified!")
		os.Exit(1)
	}

	if cfg.Master.URL == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-m, --master-url' or environment variable `ZOND_MASTER_URL` was not specified!")
		os.Exit(1)
	}

	return &cfg
}
