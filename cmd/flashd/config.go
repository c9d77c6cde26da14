package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the daemon and resolver configuration. Every knob is settable
// via flag, FLASHD_* environment variable, or config file, in that order.
type Config struct {
	Listen    string `mapstructure:"listen"`
	HistoryDB string `mapstructure:"history-db"`

	CatalogURL   string `mapstructure:"catalog-url"`
	ArtifactsURL string `mapstructure:"artifacts-url"`
	BuildURL     string `mapstructure:"build-url"`

	ProxyUpstream string `mapstructure:"proxy-upstream"`
	ProxyPrefix   string `mapstructure:"proxy-prefix"`
	Referrer      string `mapstructure:"referrer"`

	DiskCache bool `mapstructure:"disk-cache"`
}

// defaultCatalogURL is the upstream firmware release feed.
const defaultCatalogURL = "https://itunes.apple.com/WebObjects/MZStore.woa/wa/com.apple.jingle.appserver.client.MZITunesClientCheck/version"

func loadConfig() (*Config, error) {
	viper.SetDefault("listen", "127.0.0.1:8378")
	viper.SetDefault("history-db", "")
	viper.SetDefault("catalog-url", defaultCatalogURL)
	viper.SetDefault("artifacts-url", "")
	viper.SetDefault("build-url", "")
	viper.SetDefault("proxy-upstream", "")
	viper.SetDefault("proxy-prefix", "")
	viper.SetDefault("referrer", "")
	viper.SetDefault("disk-cache", true)

	viper.SetEnvPrefix("FLASHD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flashd")
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
