package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at process start and passed by value to everything that
// needs it. Nothing below cmd/ reads the environment.
type Config struct {
	Server       Server       `mapstructure:"server"`
	ContentStore ContentStore `mapstructure:"content_store"`
	Ledger       Ledger       `mapstructure:"ledger"`
	DNS          DNS          `mapstructure:"dns"`
	Database     Database     `mapstructure:"database"`
	Redis        RedisConfig  `mapstructure:"redis"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Tracing      Tracing      `mapstructure:"tracing"`
	Pipeline     Pipeline     `mapstructure:"pipeline"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string `mapstructure:"addr"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	AuthJWTSecret string `mapstructure:"auth_jwt_secret"`
}

// ContentStore configures the pinning service.
type ContentStore struct {
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	BaseURL    string        `mapstructure:"base_url"`
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Ledger configures the chain endpoint and minting contract.
type Ledger struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainName       string        `mapstructure:"chain_name"`
	ContractAddress string        `mapstructure:"contract_address"`
	SigningKey      string        `mapstructure:"signing_key"`
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
}

// DNS configures the authoritative zone and the names provisioned in it.
type DNS struct {
	ZoneID     string        `mapstructure:"zone_id"`
	APIToken   string        `mapstructure:"api_token"`
	BaseURL    string        `mapstructure:"base_url"`
	PublicHost string        `mapstructure:"public_host"`
	RootDomain string        `mapstructure:"root_domain"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Database configures the relational datastore. The password is kept apart
// from the URL so it can come from a separate secret.
type Database struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

// RedisConfig configures the optional Redis lock backend.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Kafka configures the optional outcome event stream.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Tracing configures the OpenTelemetry exporter.
type Tracing struct {
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Pipeline holds orchestration limits.
type Pipeline struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	WalletCacheTTL time.Duration `mapstructure:"wallet_cache_ttl"`
}

// binding ties a config key to the environment variable it is read from.
type binding struct {
	key      string
	env      string
	required bool
}

var bindings = []binding{
	{"server.addr", "HTTP_ADDR", false},
	{"server.log_level", "LOG_LEVEL", false},
	{"server.log_format", "LOG_FORMAT", false},
	{"server.auth_jwt_secret", "AUTH_JWT_SECRET", false},

	{"content_store.api_key", "PINATA_API_KEY", true},
	{"content_store.api_secret", "PINATA_SECRET_API_KEY", true},
	{"content_store.base_url", "PINATA_BASE_URL", false},
	{"content_store.gateway_url", "PINATA_GATEWAY_URL", false},
	{"content_store.timeout", "CONTENT_STORE_TIMEOUT", false},

	{"ledger.rpc_url", "CHAIN_RPC_URL", true},
	{"ledger.chain_name", "CHAIN_NAME", true},
	{"ledger.contract_address", "NFT_CONTRACT_ADDRESS", true},
	{"ledger.signing_key", "MINTER_PRIVATE_KEY", true},
	{"ledger.rpc_timeout", "RPC_TIMEOUT", false},
	{"ledger.confirm_timeout", "MINT_CONFIRM_TIMEOUT", false},

	{"dns.zone_id", "CLOUDFLARE_ZONE_ID", true},
	{"dns.api_token", "CLOUDFLARE_API_TOKEN", true},
	{"dns.base_url", "CLOUDFLARE_BASE_URL", false},
	{"dns.public_host", "APP_PUBLIC_HOST", true},
	{"dns.root_domain", "ROOT_DOMAIN", true},
	{"dns.timeout", "DNS_TIMEOUT", false},

	{"database.url", "DATABASE_URL", true},
	{"database.password", "DATABASE_PASSWORD", true},

	{"redis.url", "REDIS_URL", false},
	{"redis.pool_size", "REDIS_POOL_SIZE", false},
	{"redis.min_idle_conns", "REDIS_MIN_IDLE_CONNS", false},
	{"redis.dial_timeout", "REDIS_DIAL_TIMEOUT", false},
	{"redis.read_timeout", "REDIS_READ_TIMEOUT", false},
	{"redis.write_timeout", "REDIS_WRITE_TIMEOUT", false},

	{"kafka.brokers", "KAFKA_BROKERS", false},
	{"kafka.topic", "KAFKA_TOPIC", false},

	{"tracing.exporter", "TRACING_EXPORTER", false},
	{"tracing.otlp_endpoint", "OTLP_ENDPOINT", false},
	{"tracing.sample_rate", "TRACING_SAMPLE_RATE", false},

	{"pipeline.timeout", "PIPELINE_TIMEOUT", false},
	{"pipeline.lock_ttl", "LOCK_TTL", false},
	{"pipeline.wallet_cache_ttl", "WALLET_CACHE_TTL", false},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("content_store.base_url", "https://api.pinata.cloud")
	v.SetDefault("content_store.gateway_url", "https://gateway.pinata.cloud/ipfs")
	v.SetDefault("content_store.timeout", 15*time.Second)
	v.SetDefault("ledger.rpc_timeout", 10*time.Second)
	v.SetDefault("ledger.confirm_timeout", 2*time.Minute)
	v.SetDefault("dns.base_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("dns.timeout", 10*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("kafka.topic", "domain-provisioning")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("pipeline.timeout", 5*time.Minute)
	v.SetDefault("pipeline.lock_ttl", 10*time.Minute)
	v.SetDefault("pipeline.wallet_cache_ttl", 5*time.Minute)
}

// Load reads configuration from the environment and an optional .env file.
// It never fails on missing required values; call Validate for that so the
// caller can report every missing key at once.
func Load(envFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, b := range bindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
		// .env files use the environment variable names as keys; the real
		// environment wins over the file.
		for _, b := range bindings {
			if _, ok := os.LookupEnv(b.env); ok {
				continue
			}
			if val := v.GetString(strings.ToLower(b.env)); val != "" {
				v.Set(b.key, val)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return cfg, nil
}

// MissingConfigError lists every required environment variable that is unset.
type MissingConfigError struct {
	Keys []string
}

func (e *MissingConfigError) Error() string {
	return "missing configuration: " + strings.Join(e.Keys, ", ")
}

// Validate reports every missing required value in one error.
func (c Config) Validate() error {
	values := map[string]string{
		"PINATA_API_KEY":        c.ContentStore.APIKey,
		"PINATA_SECRET_API_KEY": c.ContentStore.APISecret,
		"CHAIN_RPC_URL":         c.Ledger.RPCURL,
		"CHAIN_NAME":            c.Ledger.ChainName,
		"NFT_CONTRACT_ADDRESS":  c.Ledger.ContractAddress,
		"MINTER_PRIVATE_KEY":    c.Ledger.SigningKey,
		"CLOUDFLARE_ZONE_ID":    c.DNS.ZoneID,
		"CLOUDFLARE_API_TOKEN":  c.DNS.APIToken,
		"APP_PUBLIC_HOST":       c.DNS.PublicHost,
		"ROOT_DOMAIN":           c.DNS.RootDomain,
		"DATABASE_URL":          c.Database.URL,
		"DATABASE_PASSWORD":     c.Database.Password,
	}
	var missing []string
	for _, b := range bindings {
		if !b.required {
			continue
		}
		if strings.TrimSpace(values[b.env]) == "" {
			missing = append(missing, b.env)
		}
	}
	if len(missing) > 0 {
		return &MissingConfigError{Keys: missing}
	}
	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

