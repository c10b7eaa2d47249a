/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from the environment and an
optional configuration file.
*/
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines a type to describe the node configuration.
type Config struct {
	NodeURL     string
	FaucetURL   string
	GovernorTag string

	StorageKind      string // "s3" or "memory"
	StorageEndpoint  string
	StorageBucket    string
	StorageAccessKey string
	StorageSecretKey string

	SaveDir  string
	LogLevel int

	TimeResolution     int // seconds; DID timestamps round down to this
	SignatureSleepTime int // seconds
	DkgRoundTimeout    int // seconds
	RetryInterval      int // seconds
}

// New creates a new variable of type Config for test.
func New(governorTag, storageKind, saveDir string, logLevel int) *Config {
	c := defaults()
	c.GovernorTag = governorTag
	c.StorageKind = storageKind
	c.SaveDir = saveDir
	c.LogLevel = logLevel
	return c
}

func defaults() *Config {
	return &Config{
		StorageKind:        "s3",
		StorageBucket:      "dora",
		SaveDir:            "./data",
		LogLevel:           3,
		TimeResolution:     20,
		SignatureSleepTime: 20,
		DkgRoundTimeout:    60,
		RetryInterval:      15,
	}
}

// LoadConfig loads configuration by package viper: environment variables
// under the DORA prefix (DORA_SAVE_DIR and friends) override an optional
// configuration file.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")

	base := defaults()
	viperConfig.SetDefault("node_url", base.NodeURL)
	viperConfig.SetDefault("faucet_url", base.FaucetURL)
	viperConfig.SetDefault("governor_tag", base.GovernorTag)
	viperConfig.SetDefault("storage", base.StorageKind)
	viperConfig.SetDefault("storage_endpoint", base.StorageEndpoint)
	viperConfig.SetDefault("storage_bucket", base.StorageBucket)
	viperConfig.SetDefault("storage_access_key", base.StorageAccessKey)
	viperConfig.SetDefault("storage_secret_key", base.StorageSecretKey)
	viperConfig.SetDefault("save_dir", base.SaveDir)
	viperConfig.SetDefault("log_level", base.LogLevel)
	viperConfig.SetDefault("time_resolution", base.TimeResolution)
	viperConfig.SetDefault("signature_sleep_time", base.SignatureSleepTime)
	viperConfig.SetDefault("dkg_round_timeout", base.DkgRoundTimeout)
	viperConfig.SetDefault("retry_interval", base.RetryInterval)

	if err := viperConfig.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	conf := &Config{
		NodeURL:            viperConfig.GetString("node_url"),
		FaucetURL:          viperConfig.GetString("faucet_url"),
		GovernorTag:        viperConfig.GetString("governor_tag"),
		StorageKind:        viperConfig.GetString("storage"),
		StorageEndpoint:    viperConfig.GetString("storage_endpoint"),
		StorageBucket:      viperConfig.GetString("storage_bucket"),
		StorageAccessKey:   viperConfig.GetString("storage_access_key"),
		StorageSecretKey:   viperConfig.GetString("storage_secret_key"),
		SaveDir:            viperConfig.GetString("save_dir"),
		LogLevel:           viperConfig.GetInt("log_level"),
		TimeResolution:     viperConfig.GetInt("time_resolution"),
		SignatureSleepTime: viperConfig.GetInt("signature_sleep_time"),
		DkgRoundTimeout:    viperConfig.GetInt("dkg_round_timeout"),
		RetryInterval:      viperConfig.GetInt("retry_interval"),
	}
	return conf, nil
}

// SleepDuration returns the signing deadline as a duration.
func (c *Config) SleepDuration() time.Duration {
	return time.Duration(c.SignatureSleepTime) * time.Second
}

// DkgTimeout returns the DKG round timeout as a duration.
func (c *Config) DkgTimeout() time.Duration {
	return time.Duration(c.DkgRoundTimeout) * time.Second
}

// Resolution returns the DID timestamp rounding window.
func (c *Config) Resolution() time.Duration {
	return time.Duration(c.TimeResolution) * time.Second
}

// Retry returns the outbound republish interval.
func (c *Config) Retry() time.Duration {
	return time.Duration(c.RetryInterval) * time.Second
}
