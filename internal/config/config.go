// Package config provides configuration management for the translation proxy.
// Settings are read from a TOML file with TPROXY_* environment overrides and
// are immutable once loaded.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TPROXY_UPSTREAM_ADDRESS or TPROXY_DOWNSTREAM_DIFFICULTY_CONFIG_SHARES_PER_MINUTE.
const EnvPrefix = "TPROXY"

// authorityKeyVersion is the base58check version of an encoded authority key.
const authorityKeyVersion = 1

// Config holds the proxy configuration
type Config struct {
	// Upstream pool
	UpstreamAddress         string `mapstructure:"upstream_address"`
	UpstreamPort            uint16 `mapstructure:"upstream_port"`
	UpstreamAuthorityPubkey string `mapstructure:"upstream_authority_pubkey"`
	UserIdentity            string `mapstructure:"user_identity"`

	// Downstream listener
	DownstreamAddress string `mapstructure:"downstream_address"`
	DownstreamPort    uint16 `mapstructure:"downstream_port"`

	// Protocol negotiation
	MaxSupportedVersion uint16 `mapstructure:"max_supported_version"`
	MinSupportedVersion uint16 `mapstructure:"min_supported_version"`
	MinExtranonce2Size  uint16 `mapstructure:"min_extranonce2_size"`

	DownstreamDifficulty DownstreamDifficultyConfig `mapstructure:"downstream_difficulty_config"`
	UpstreamDifficulty   UpstreamDifficultyConfig   `mapstructure:"upstream_difficulty_config"`

	// Network selects the chain used for payout address validation.
	Network string `mapstructure:"network"`
	// RequirePayoutAddress rejects mining.authorize unless the worker name
	// starts with a valid address for Network.
	RequirePayoutAddress bool `mapstructure:"require_payout_address"`

	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DownstreamDifficultyConfig controls per-device vardiff
type DownstreamDifficultyConfig struct {
	// MinIndividualMinerHashrate seeds the first difficulty of every device (H/s)
	MinIndividualMinerHashrate float64 `mapstructure:"min_individual_miner_hashrate"`
	// SharesPerMinute is the share rate vardiff steers each device towards
	SharesPerMinute float64 `mapstructure:"shares_per_minute"`
	// AdjustmentWindow is both the observation window and the minimum spacing
	// between two difficulty updates
	AdjustmentWindow time.Duration `mapstructure:"adjustment_window"`
	// DeviationThreshold is the relative share rate error that triggers a retarget
	DeviationThreshold float64 `mapstructure:"deviation_threshold"`
	// MinShares is the number of samples required before a retarget
	MinShares int `mapstructure:"min_shares"`
	// SubmitRateLimit caps mining.submit per second per device; bursts of twice
	// the rate are allowed
	SubmitRateLimit float64 `mapstructure:"submit_rate_limit"`
}

// UpstreamDifficultyConfig controls the pool-side channel
type UpstreamDifficultyConfig struct {
	// ChannelDiffUpdateInterval is the UpdateChannel period in seconds
	ChannelDiffUpdateInterval uint32 `mapstructure:"channel_diff_update_interval"`
	// ChannelNominalHashrate is announced at channel open and used while no
	// device has reported yet (H/s)
	ChannelNominalHashrate float64 `mapstructure:"channel_nominal_hashrate"`
	// SharesPerMinute is the share rate the pool channel target is derived for
	SharesPerMinute float64 `mapstructure:"shares_per_minute"`
}

// UpdateInterval returns ChannelDiffUpdateInterval as a duration
func (u UpstreamDifficultyConfig) UpdateInterval() time.Duration {
	return time.Duration(u.ChannelDiffUpdateInterval) * time.Second
}

// TimeoutConfig holds network timeouts
type TimeoutConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Write   time.Duration `mapstructure:"write"`
	// Idle closes downstream sessions that send nothing for this long
	Idle time.Duration `mapstructure:"idle"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	// ListenAddr enables /metrics when non-empty
	ListenAddr string `mapstructure:"listen_addr"`
}

// TelemetryConfig holds optional event sinks. Empty settings disable a sink.
type TelemetryConfig struct {
	QueueSize int `mapstructure:"queue_size"`

	RedisURL   string        `mapstructure:"redis_url"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		UpstreamAddress: "127.0.0.1",
		UpstreamPort:    34254,
		UserIdentity:    "tproxy",

		DownstreamAddress: "0.0.0.0",
		DownstreamPort:    34255,

		MaxSupportedVersion: 2,
		MinSupportedVersion: 2,
		MinExtranonce2Size:  8,

		DownstreamDifficulty: DownstreamDifficultyConfig{
			MinIndividualMinerHashrate: 10_000_000_000_000,
			SharesPerMinute:            6,
			AdjustmentWindow:           60 * time.Second,
			DeviationThreshold:         0.5,
			MinShares:                  4,
			SubmitRateLimit:            20,
		},
		UpstreamDifficulty: UpstreamDifficultyConfig{
			ChannelDiffUpdateInterval: 60,
			ChannelNominalHashrate:    10_000_000_000_000,
			SharesPerMinute:           6,
		},

		Network: "mainnet",

		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
			Write:   10 * time.Second,
			Idle:    10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			QueueSize:    1024,
			SessionTTL:   5 * time.Minute,
			InfluxOrg:    "tproxy",
			InfluxBucket: "mining",
			KafkaTopic:   "tproxy.events",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("upstream_address", d.UpstreamAddress)
	v.SetDefault("upstream_port", d.UpstreamPort)
	v.SetDefault("upstream_authority_pubkey", d.UpstreamAuthorityPubkey)
	v.SetDefault("user_identity", d.UserIdentity)

	v.SetDefault("downstream_address", d.DownstreamAddress)
	v.SetDefault("downstream_port", d.DownstreamPort)

	v.SetDefault("max_supported_version", d.MaxSupportedVersion)
	v.SetDefault("min_supported_version", d.MinSupportedVersion)
	v.SetDefault("min_extranonce2_size", d.MinExtranonce2Size)

	v.SetDefault("downstream_difficulty_config.min_individual_miner_hashrate", d.DownstreamDifficulty.MinIndividualMinerHashrate)
	v.SetDefault("downstream_difficulty_config.shares_per_minute", d.DownstreamDifficulty.SharesPerMinute)
	v.SetDefault("downstream_difficulty_config.adjustment_window", d.DownstreamDifficulty.AdjustmentWindow)
	v.SetDefault("downstream_difficulty_config.deviation_threshold", d.DownstreamDifficulty.DeviationThreshold)
	v.SetDefault("downstream_difficulty_config.min_shares", d.DownstreamDifficulty.MinShares)
	v.SetDefault("downstream_difficulty_config.submit_rate_limit", d.DownstreamDifficulty.SubmitRateLimit)

	v.SetDefault("upstream_difficulty_config.channel_diff_update_interval", d.UpstreamDifficulty.ChannelDiffUpdateInterval)
	v.SetDefault("upstream_difficulty_config.channel_nominal_hashrate", d.UpstreamDifficulty.ChannelNominalHashrate)
	v.SetDefault("upstream_difficulty_config.shares_per_minute", d.UpstreamDifficulty.SharesPerMinute)

	v.SetDefault("network", d.Network)
	v.SetDefault("require_payout_address", d.RequirePayoutAddress)

	v.SetDefault("timeouts.connect", d.Timeouts.Connect)
	v.SetDefault("timeouts.write", d.Timeouts.Write)
	v.SetDefault("timeouts.idle", d.Timeouts.Idle)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)

	v.SetDefault("telemetry.queue_size", d.Telemetry.QueueSize)
	v.SetDefault("telemetry.redis_url", d.Telemetry.RedisURL)
	v.SetDefault("telemetry.session_ttl", d.Telemetry.SessionTTL)
	v.SetDefault("telemetry.influx_url", d.Telemetry.InfluxURL)
	v.SetDefault("telemetry.influx_token", d.Telemetry.InfluxToken)
	v.SetDefault("telemetry.influx_org", d.Telemetry.InfluxOrg)
	v.SetDefault("telemetry.influx_bucket", d.Telemetry.InfluxBucket)
	v.SetDefault("telemetry.kafka_brokers", d.Telemetry.KafkaBrokers)
	v.SetDefault("telemetry.kafka_topic", d.Telemetry.KafkaTopic)
}

// Load reads the configuration. An empty path loads defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// comma separated list when set through the environment
	if len(cfg.Telemetry.KafkaBrokers) == 1 && strings.Contains(cfg.Telemetry.KafkaBrokers[0], ",") {
		cfg.Telemetry.KafkaBrokers = strings.Split(cfg.Telemetry.KafkaBrokers[0], ",")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.UpstreamAddress == "" {
		return fmt.Errorf("upstream_address cannot be empty")
	}
	if c.UpstreamPort == 0 {
		return fmt.Errorf("upstream_port must be between 1 and 65535")
	}
	if c.DownstreamAddress == "" {
		return fmt.Errorf("downstream_address cannot be empty")
	}
	if net.ParseIP(c.DownstreamAddress) == nil {
		return fmt.Errorf("downstream_address %q is not an IP address", c.DownstreamAddress)
	}

	if c.MinSupportedVersion == 0 {
		return fmt.Errorf("min_supported_version must be positive")
	}
	if c.MinSupportedVersion > c.MaxSupportedVersion {
		return fmt.Errorf("min_supported_version (%d) must not exceed max_supported_version (%d)",
			c.MinSupportedVersion, c.MaxSupportedVersion)
	}
	if c.MinExtranonce2Size == 0 || c.MinExtranonce2Size > 16 {
		return fmt.Errorf("min_extranonce2_size must be between 1 and 16")
	}

	dd := c.DownstreamDifficulty
	if dd.MinIndividualMinerHashrate <= 0 {
		return fmt.Errorf("downstream_difficulty_config.min_individual_miner_hashrate must be positive")
	}
	if dd.SharesPerMinute <= 0 {
		return fmt.Errorf("downstream_difficulty_config.shares_per_minute must be positive")
	}
	if dd.AdjustmentWindow <= 0 {
		return fmt.Errorf("downstream_difficulty_config.adjustment_window must be positive")
	}
	if dd.DeviationThreshold <= 0 {
		return fmt.Errorf("downstream_difficulty_config.deviation_threshold must be positive")
	}
	if dd.MinShares < 1 {
		return fmt.Errorf("downstream_difficulty_config.min_shares must be at least 1")
	}
	if dd.SubmitRateLimit <= 0 {
		return fmt.Errorf("downstream_difficulty_config.submit_rate_limit must be positive")
	}

	ud := c.UpstreamDifficulty
	if ud.ChannelDiffUpdateInterval == 0 {
		return fmt.Errorf("upstream_difficulty_config.channel_diff_update_interval must be positive")
	}
	if ud.ChannelNominalHashrate <= 0 {
		return fmt.Errorf("upstream_difficulty_config.channel_nominal_hashrate must be positive")
	}
	if ud.SharesPerMinute <= 0 {
		return fmt.Errorf("upstream_difficulty_config.shares_per_minute must be positive")
	}

	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if c.UpstreamAuthorityPubkey != "" {
		if _, err := c.AuthorityKey(); err != nil {
			return err
		}
	}

	if c.Telemetry.QueueSize <= 0 {
		return fmt.Errorf("telemetry.queue_size must be positive")
	}

	return nil
}

// UpstreamAddr returns host:port of the pool
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.UpstreamAddress, strconv.Itoa(int(c.UpstreamPort)))
}

// DownstreamAddr returns the listen host:port
func (c *Config) DownstreamAddr() string {
	return net.JoinHostPort(c.DownstreamAddress, strconv.Itoa(int(c.DownstreamPort)))
}

// AuthorityKey decodes the pool's authority public key. It returns nil, nil
// when no key is configured.
func (c *Config) AuthorityKey() (*btcec.PublicKey, error) {
	if c.UpstreamAuthorityPubkey == "" {
		return nil, nil
	}
	return ParseAuthorityKey(c.UpstreamAuthorityPubkey)
}

// ParseAuthorityKey decodes a base58check encoded x-only public key: a
// version of 1 followed by a zero byte and the 32-byte key.
func ParseAuthorityKey(encoded string) (*btcec.PublicKey, error) {
	payload, version, err := base58.CheckDecode(encoded)
	if err != nil {
		return nil, fmt.Errorf("upstream_authority_pubkey: %w", err)
	}
	if version != authorityKeyVersion {
		return nil, fmt.Errorf("upstream_authority_pubkey: unsupported version %d", version)
	}
	if len(payload) != 33 || payload[0] != 0 {
		return nil, fmt.Errorf("upstream_authority_pubkey: expected 33 byte payload, got %d", len(payload))
	}

	key, err := schnorr.ParsePubKey(payload[1:])
	if err != nil {
		return nil, fmt.Errorf("upstream_authority_pubkey: %w", err)
	}
	return key, nil
}

// EncodeAuthorityKey is the inverse of ParseAuthorityKey.
func EncodeAuthorityKey(key *btcec.PublicKey) string {
	payload := append([]byte{0}, schnorr.SerializePubKey(key)...)
	return base58.CheckEncode(payload, authorityKeyVersion)
}

// ChainParams maps Network to btcd chain parameters
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}
