package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/feeds"
)

var (
	cfgFile  string
	dbPath   string
	redisURL string
	logLevel string
)

// rootCmd runs a single ingestion pass when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "evilwatch",
	Short: "Threat indicator feed aggregator",
	Long: `EvilWatch pulls public threat intelligence blocklists, normalizes them into
a single deduplicated SQLite table and answers lookups over it.

Running evilwatch without a subcommand performs one ingestion run:
- every configured feed is fetched and parsed in order
- new indicators are inserted, re-observed ones refresh last_seen
- duplicates are compacted and the search index is reconciled
- a run summary is published to Redis when it is reachable`,
	SilenceUsage: true,
	RunE:         runIngestOnce,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.evilwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/threats.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis connection URL (empty disables Redis)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info)")

	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".evilwatch")
	}

	viper.SetEnvPrefix("evilwatch")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
	// Provider credentials keep their conventional unprefixed names.
	viper.BindEnv("enrich.neutrino_user", "NEUTRINO_USER", "EVILWATCH_ENRICH_NEUTRINO_USER")
	viper.BindEnv("enrich.neutrino_key", "NEUTRINO_KEY", "EVILWATCH_ENRICH_NEUTRINO_KEY")
	viper.BindEnv("enrich.ipqs_key", "IPQS_KEY", "EVILWATCH_ENRICH_IPQS_KEY")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "./data/threats.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("ingest.interval", "10m")
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.lock_file", "")
	v.SetDefault("search.backend", "fts")
	v.SetDefault("search.bleve_path", "")
	v.SetDefault("api.bind", "127.0.0.1:8000")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.filter_refresh", "1m")
	v.SetDefault("enrich.timeout", "5s")
	v.SetDefault("enrich.cache_size", 1024)
	v.SetDefault("enrich.cache_ttl", "0s")
	v.SetDefault("enrich.geoip_url", "")
	v.SetDefault("enrich.neutrino_url", "")
	v.SetDefault("enrich.ipqs_url", "")
	v.SetDefault("enrich.dns_resolver", "")
	v.SetDefault("enrich.whois", true)
	v.SetDefault("rss.url", cvefeed.DefaultURL)
	v.SetDefault("rss.limit", cvefeed.DefaultLimit)
	v.SetDefault("rss.refresh", "15m")
	v.SetDefault("rss.timeout", "10s")
}

// GetConfig returns the current configuration values
func GetConfig() (Config, error) {
	return loadConfig(viper.GetViper())
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Redis:    RedisConfig{URL: v.GetString("redis.url")},
		Log:      LogConfig{Level: v.GetString("log.level")},
		Ingest: IngestConfig{
			Interval:  v.GetDuration("ingest.interval"),
			BatchSize: v.GetInt("ingest.batch_size"),
			LockFile:  v.GetString("ingest.lock_file"),
		},
		Search: SearchConfig{
			Backend:   v.GetString("search.backend"),
			BlevePath: v.GetString("search.bleve_path"),
		},
		API: APIConfig{
			Bind:          v.GetString("api.bind"),
			JWTSecret:     v.GetString("api.jwt_secret"),
			FilterRefresh: v.GetDuration("api.filter_refresh"),
		},
		Enrich: EnrichConfig{
			Timeout:      v.GetDuration("enrich.timeout"),
			CacheSize:    v.GetInt("enrich.cache_size"),
			CacheTTL:     v.GetDuration("enrich.cache_ttl"),
			GeoIPURL:     v.GetString("enrich.geoip_url"),
			NeutrinoURL:  v.GetString("enrich.neutrino_url"),
			NeutrinoUser: v.GetString("enrich.neutrino_user"),
			NeutrinoKey:  v.GetString("enrich.neutrino_key"),
			IPQSURL:      v.GetString("enrich.ipqs_url"),
			IPQSKey:      v.GetString("enrich.ipqs_key"),
			DNSResolver:  v.GetString("enrich.dns_resolver"),
			Whois:        v.GetBool("enrich.whois"),
		},
		RSS: RSSConfig{
			URL:     v.GetString("rss.url"),
			Limit:   v.GetInt("rss.limit"),
			Refresh: v.GetDuration("rss.refresh"),
			Timeout: v.GetDuration("rss.timeout"),
		},
	}

	feedTable, err := loadFeeds(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Feeds = feedTable
	return cfg, nil
}

// loadFeeds returns the configured feed table, or the built-in one when the
// config file has no feeds list.
func loadFeeds(v *viper.Viper) ([]feeds.Descriptor, error) {
	if !v.IsSet("feeds") {
		return feeds.DefaultDescriptors(), nil
	}
	var descs []feeds.Descriptor
	if err := v.UnmarshalKey("feeds", &descs); err != nil {
		return nil, fmt.Errorf("invalid feeds config: %w", err)
	}
	for i := range descs {
		descs[i] = descs[i].WithDefaults()
		if err := descs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return descs, nil
}

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig     `mapstructure:"database"`
	Redis    RedisConfig        `mapstructure:"redis"`
	Log      LogConfig          `mapstructure:"log"`
	Ingest   IngestConfig       `mapstructure:"ingest"`
	Search   SearchConfig       `mapstructure:"search"`
	API      APIConfig          `mapstructure:"api"`
	Enrich   EnrichConfig       `mapstructure:"enrich"`
	RSS      RSSConfig          `mapstructure:"rss"`
	Feeds    []feeds.Descriptor `mapstructure:"feeds"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Debug reports whether per-feed detail lines are wanted.
func (l LogConfig) Debug() bool {
	return l.Level == "debug"
}

type IngestConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	LockFile  string        `mapstructure:"lock_file"`
}

type SearchConfig struct {
	Backend   string `mapstructure:"backend"`
	BlevePath string `mapstructure:"bleve_path"`
}

type APIConfig struct {
	Bind          string        `mapstructure:"bind"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	FilterRefresh time.Duration `mapstructure:"filter_refresh"`
}

// RSSConfig points at the CVE advisory feed shown by /rss/cves.
type RSSConfig struct {
	URL     string        `mapstructure:"url"`
	Limit   int           `mapstructure:"limit"`
	Refresh time.Duration `mapstructure:"refresh"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EnrichConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	GeoIPURL     string        `mapstructure:"geoip_url"`
	NeutrinoURL  string        `mapstructure:"neutrino_url"`
	NeutrinoUser string        `mapstructure:"neutrino_user"`
	NeutrinoKey  string        `mapstructure:"neutrino_key"`
	IPQSURL      string        `mapstructure:"ipqs_url"`
	IPQSKey      string        `mapstructure:"ipqs_key"`
	DNSResolver  string        `mapstructure:"dns_resolver"`
	Whois        bool          `mapstructure:"whois"`
}
