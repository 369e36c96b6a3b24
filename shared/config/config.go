package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultFeedURL            = "wss://websockets.financialmodelingprep.com"
	DefaultSecretName         = "FMP_API_KEY"
	DefaultFMPBaseURL         = "https://financialmodelingprep.com/api/v3"
	DefaultCacheTTL           = 5 * time.Minute
	DefaultMaxReconnects      = 5
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultBackoffStrategy    = "linear"
	DefaultGRPCPort           = 50051
	DefaultHTTPPort           = 8080
	DefaultLogLevel           = "info"
)

// FeedConfig holds configuration for the feed service
type FeedConfig struct {
	Feed struct {
		URL                string        `yaml:"url"`
		MaxReconnects      int           `yaml:"max_reconnects"`
		ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
		BackoffStrategy    string        `yaml:"backoff_strategy"`
	} `yaml:"feed"`
	Secrets struct {
		URL   string `yaml:"url"`   // secret function endpoint; empty = read from environment
		Token string `yaml:"token"` // bearer token for the secret function
		Name  string `yaml:"name"`  // secret holding the feed API key
	} `yaml:"secrets"`
	FMP struct {
		BaseURL  string        `yaml:"base_url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"fmp"`
	GRPCPort int    `yaml:"grpc_port"`
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`
}

// ClientConfig holds configuration for the client
type ClientConfig struct {
	ServerAddress string
	Symbols       []string
	Format        string
	Duration      time.Duration
}

// LoadFeedConfig reads a YAML config file, expanding ${VAR} references
// against the environment. Missing fields keep their zero value.
func LoadFeedConfig(path string) (*FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FeedConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// ParseFeedFlags parses command line flags for the feed service. When
// -config is given the file is loaded first and explicitly set flags
// override it.
func ParseFeedFlags(args []string) (*FeedConfig, error) {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	var (
		configPath     = fs.String("config", "", "Optional YAML config file")
		feedURL        = fs.String("feed-url", DefaultFeedURL, "Real-time feed WebSocket URL")
		maxReconnects  = fs.Int("max-reconnects", DefaultMaxReconnects, "Reconnect attempts before giving up")
		reconnectDelay = fs.Duration("reconnect-delay", DefaultReconnectBaseDelay, "Base reconnect delay")
		strategy       = fs.String("backoff", DefaultBackoffStrategy, "Reconnect backoff strategy (linear/exponential)")
		secretURL      = fs.String("secret-url", "", "Secret function URL (empty = environment)")
		secretName     = fs.String("secret-name", DefaultSecretName, "Name of the feed API key secret")
		fmpURL         = fs.String("fmp-url", DefaultFMPBaseURL, "Financial Modeling Prep base URL")
		cacheTTL       = fs.Duration("cache-ttl", DefaultCacheTTL, "FMP response cache TTL")
		grpcPort       = fs.Int("grpc-port", DefaultGRPCPort, "gRPC server port")
		httpPort       = fs.Int("http-port", DefaultHTTPPort, "HTTP API port")
		logLevel       = fs.String("log-level", DefaultLogLevel, "Log level (debug/info/warn/error)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &FeedConfig{}
	if *configPath != "" {
		loaded, err := LoadFeedConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string, zero bool) bool { return set[name] || zero }

	if override("feed-url", cfg.Feed.URL == "") {
		cfg.Feed.URL = *feedURL
	}
	if override("max-reconnects", cfg.Feed.MaxReconnects == 0) {
		cfg.Feed.MaxReconnects = *maxReconnects
	}
	if override("reconnect-delay", cfg.Feed.ReconnectBaseDelay == 0) {
		cfg.Feed.ReconnectBaseDelay = *reconnectDelay
	}
	if override("backoff", cfg.Feed.BackoffStrategy == "") {
		cfg.Feed.BackoffStrategy = *strategy
	}
	if override("secret-url", cfg.Secrets.URL == "") {
		cfg.Secrets.URL = *secretURL
	}
	if override("secret-name", cfg.Secrets.Name == "") {
		cfg.Secrets.Name = *secretName
	}
	if override("fmp-url", cfg.FMP.BaseURL == "") {
		cfg.FMP.BaseURL = *fmpURL
	}
	if override("cache-ttl", cfg.FMP.CacheTTL == 0) {
		cfg.FMP.CacheTTL = *cacheTTL
	}
	if override("grpc-port", cfg.GRPCPort == 0) {
		cfg.GRPCPort = *grpcPort
	}
	if override("http-port", cfg.HTTPPort == 0) {
		cfg.HTTPPort = *httpPort
	}
	if override("log-level", cfg.LogLevel == "") {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks that all values are usable
func (c *FeedConfig) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// URL, got %q", c.Feed.URL)
	}
	if c.Feed.MaxReconnects < 0 {
		return errors.New("feed.max_reconnects must be >= 0")
	}
	if c.Feed.ReconnectBaseDelay <= 0 {
		return errors.New("feed.reconnect_base_delay must be > 0")
	}
	switch c.Feed.BackoffStrategy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("feed.backoff_strategy must be linear or exponential, got %q", c.Feed.BackoffStrategy)
	}
	if c.Secrets.Name == "" {
		return errors.New("secrets.name is required")
	}
	if c.FMP.CacheTTL < 0 {
		return errors.New("fmp.cache_ttl must be >= 0")
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("grpc_port must be between 1 and 65535, got %d", c.GRPCPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	return nil
}

// ParseClientFlags parses command line flags for the client
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var (
		server   = fs.String("server", "localhost:50051", "Feed service address")
		symbols  = fs.String("symbols", "AAPL", "Comma-separated ticker symbols to watch")
		format   = fs.String("format", "table", "Output format (json/table)")
		duration = fs.Duration("duration", 0, "How long to watch (0 = until interrupted)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var list []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	if *format != "json" && *format != "table" {
		return nil, fmt.Errorf("unknown format %q", *format)
	}

	return &ClientConfig{
		ServerAddress: *server,
		Symbols:       list,
		Format:        *format,
		Duration:      *duration,
	}, nil
}
