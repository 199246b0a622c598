package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/jaywantadh/fabricd/internal/model"
)

// AppConfig holds every field the coordinator's replication control plane
// reads at startup: the redundancy/placement knobs, the scheduler
// intervals, transport timeouts, and the ambient fields a runnable binary
// needs (node identity, listen/storage paths, metrics).
type AppConfig struct {
	NodeID       string `mapstructure:"node_id"`
	ListenAddr   string `mapstructure:"listen_addr"`
	StoragePath  string `mapstructure:"storage_path"`
	MetadataPath string `mapstructure:"metadata_path"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	// ChunkSizePolicy selects chunker.SizePolicy: "adaptive" (default) or
	// "legacy".
	ChunkSizePolicy string `mapstructure:"chunk_size_policy"`

	KEKHex                     string  `mapstructure:"kek_hex"`
	RedundancyFactor           int     `mapstructure:"redundancy_factor"`
	SafetyMargin               int     `mapstructure:"safety_margin"`
	MinReliabilityForPlacement float64 `mapstructure:"min_reliability_for_placement"`

	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
	TrimInterval    time.Duration `mapstructure:"trim_interval"`

	DeviceOfflineThreshold time.Duration `mapstructure:"device_offline_threshold"`
	TempChunkTTL           time.Duration `mapstructure:"temp_chunk_ttl"`

	TWrite  time.Duration `mapstructure:"t_write"`
	TRead   time.Duration `mapstructure:"t_read"`
	TDelete time.Duration `mapstructure:"t_delete"`

	MaxFileSize int64 `mapstructure:"max_file_size"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("node_id", "fabricd-default-node")
	viper.SetDefault("listen_addr", ":7070")
	viper.SetDefault("storage_path", "./data/tempstore")
	viper.SetDefault("metadata_path", "./data/metastore")
	viper.SetDefault("metrics_addr", ":9090")
	viper.SetDefault("chunk_size_policy", "adaptive")

	viper.SetDefault("kek_hex", "")
	viper.SetDefault("redundancy_factor", 3)
	viper.SetDefault("safety_margin", 2)
	viper.SetDefault("min_reliability_for_placement", 70.0)

	viper.SetDefault("scan_interval", 60*time.Minute)
	viper.SetDefault("summary_interval", 24*time.Hour)
	viper.SetDefault("trim_interval", 12*time.Hour)

	viper.SetDefault("device_offline_threshold", 90*time.Second)
	viper.SetDefault("temp_chunk_ttl", 24*time.Hour)

	viper.SetDefault("t_write", 30*time.Second)
	viper.SetDefault("t_read", 60*time.Second)
	viper.SetDefault("t_delete", 60*time.Second)

	viper.SetDefault("max_file_size", 10*(int64(1)<<30))

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("configuration loaded")
}

// Validate checks the invariants the rest of the system assumes hold once
// config is loaded: a 32-byte KEK and a redundancy factor in [2,5].
func (c *AppConfig) Validate() error {
	if len(c.KEKHex) != 64 {
		return fmt.Errorf("%w: kek_hex must be 64 hex chars, got %d", model.ErrConfigError, len(c.KEKHex))
	}
	if c.RedundancyFactor < 2 || c.RedundancyFactor > 5 {
		return fmt.Errorf("%w: redundancy_factor must be in [2,5], got %d", model.ErrConfigError, c.RedundancyFactor)
	}
	return nil
}
