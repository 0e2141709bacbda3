package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StoreConfig selects and locates the entity store.
type StoreConfig struct {
	Backend string
	DBPath  string
	PGDSN   string
}

// Validate checks that the selected backend has what it needs.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case BackendLevelDB:
		if c.DBPath == "" {
			return fmt.Errorf("db-path is required for the leveldb store")
		}
	case BackendPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Backend)
	}
	return nil
}

// RunConfig holds configuration of the run command.
type RunConfig struct {
	RPCURL          string
	StakingContract string
	TokenContract   string
	FromBlock       uint64
	ToBlock         uint64
	BatchSize       uint64
	Confirmations   uint64
	PollInterval    time.Duration
	MaxReorgDepth   int
	MaxRetries      int
	RetryBackoff    time.Duration
	LockDuration    uint64
	Topic0Map       map[string]string
	HTTPAddr        string
	Store           StoreConfig
	LogLevel        string
}

// LoadRun merges config file, environment variables, and flags into RunConfig.
func LoadRun(cfgFile string, flags *pflag.FlagSet) (RunConfig, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("batch-size", uint64(2000))
		v.SetDefault("confirmations", uint64(12))
		v.SetDefault("poll-interval", 12*time.Second)
		v.SetDefault("max-reorg-depth", 64)
		v.SetDefault("max-retries", 5)
		v.SetDefault("retry-backoff", 500*time.Millisecond)
		v.SetDefault("lock-duration", uint64(86400))
	})
	if err != nil {
		return RunConfig{}, err
	}

	cfg := RunConfig{
		RPCURL:          v.GetString("rpc"),
		StakingContract: strings.TrimSpace(v.GetString("staking-contract")),
		TokenContract:   strings.TrimSpace(v.GetString("token-contract")),
		FromBlock:       v.GetUint64("from"),
		ToBlock:         v.GetUint64("to"),
		BatchSize:       v.GetUint64("batch-size"),
		Confirmations:   v.GetUint64("confirmations"),
		PollInterval:    v.GetDuration("poll-interval"),
		MaxReorgDepth:   v.GetInt("max-reorg-depth"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		LockDuration:    v.GetUint64("lock-duration"),
		Topic0Map:       getStringMap(v, "topic0-map"),
		HTTPAddr:        v.GetString("http-addr"),
		Store:           loadStore(v),
		LogLevel:        v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c RunConfig) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(c.StakingContract) {
		return fmt.Errorf("invalid staking contract address: %q", c.StakingContract)
	}
	if c.TokenContract != "" && !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("invalid token contract address: %q", c.TokenContract)
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch-size must be greater than zero")
	}
	if c.ToBlock != 0 && c.ToBlock < c.FromBlock {
		return fmt.Errorf("to block must be >= from block")
	}
	if c.MaxReorgDepth <= 0 {
		return fmt.Errorf("max-reorg-depth must be greater than zero")
	}
	return c.Store.Validate()
}

// ServeConfig holds configuration of the serve command.
type ServeConfig struct {
	HTTPAddr string
	Store    StoreConfig
	LogLevel string
}

// LoadServe merges config file, environment variables, and flags into ServeConfig.
func LoadServe(cfgFile string, flags *pflag.FlagSet) (ServeConfig, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("http-addr", ":8080")
	})
	if err != nil {
		return ServeConfig{}, err
	}
	cfg := ServeConfig{
		HTTPAddr: v.GetString("http-addr"),
		Store:    loadStore(v),
		LogLevel: v.GetString("log-level"),
	}
	if cfg.HTTPAddr == "" {
		return ServeConfig{}, fmt.Errorf("http-addr is required")
	}
	return cfg, cfg.Store.Validate()
}

// MaintenanceConfig holds configuration of the rebuild and export commands.
type MaintenanceConfig struct {
	Out          string
	LockDuration uint64
	Store        StoreConfig
	LogLevel     string
}

// LoadMaintenance merges config file, environment variables, and flags into MaintenanceConfig.
func LoadMaintenance(cfgFile string, flags *pflag.FlagSet) (MaintenanceConfig, error) {
	v, err := load(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("out", "./data/journal.jsonl")
		v.SetDefault("lock-duration", uint64(86400))
	})
	if err != nil {
		return MaintenanceConfig{}, err
	}
	cfg := MaintenanceConfig{
		Out:          v.GetString("out"),
		LockDuration: v.GetUint64("lock-duration"),
		Store:        loadStore(v),
		LogLevel:     v.GetString("log-level"),
	}
	return cfg, cfg.Store.Validate()
}

func load(cfgFile string, flags *pflag.FlagSet, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", BackendLevelDB)
	v.SetDefault("db-path", "./data/flux-garden")
	v.SetDefault("log-level", "info")
	if defaults != nil {
		defaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func loadStore(v *viper.Viper) StoreConfig {
	return StoreConfig{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DBPath:  v.GetString("db-path"),
		PGDSN:   v.GetString("pg-dsn"),
	}
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
