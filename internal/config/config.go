package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	// Version is the cache generation this process installs at boot.
	Version int `yaml:"version" validate:"gte=1"`

	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=memory leveldb s3 tiered"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"disk"`
		S3 S3Config `yaml:"s3"`

		// Durable selects the L2 of the tiered backend: leveldb or s3.
		Durable string `yaml:"durable" validate:"omitempty,oneof=leveldb s3"`

		RAMMaxBytes  int64 `yaml:"-"`
		DiskMaxBytes int64 `yaml:"-"`
	} `yaml:"storage"`

	Routing struct {
		API             string `yaml:"api"`
		NetworkTimeout  string `yaml:"networkTimeout"`
		BackgroundLimit int    `yaml:"backgroundLimit" validate:"gte=0"`

		APIMatcher        Matcher       `yaml:"-"`
		NetworkTimeoutDur time.Duration `yaml:"-"`
	} `yaml:"routing"`

	Precache struct {
		Paths       []string `yaml:"paths" validate:"min=1,dive,startswith=/"`
		OfflinePage string   `yaml:"offlinePage" validate:"startswith=/"`
		ManifestURL string   `yaml:"manifestURL" validate:"omitempty,url"`
		CheckEvery  string   `yaml:"checkEvery"`
		Concurrency int      `yaml:"concurrency" validate:"gte=0"`

		CheckEveryDur time.Duration `yaml:"-"`
	} `yaml:"precache"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Sync struct {
		Backend    string      `yaml:"backend" validate:"oneof=memory leveldb redis"`
		Path       string      `yaml:"path"`
		MaxPending int         `yaml:"maxPending" validate:"gte=0"`
		RetryEvery string      `yaml:"retryEvery"`
		LockTTL    string      `yaml:"lockTTL"`
		Redis      RedisConfig `yaml:"redis"`
		Routes     []SyncRoute `yaml:"routes" validate:"dive"`

		RetryEveryDur time.Duration `yaml:"-"`
		LockTTLDur    time.Duration `yaml:"-"`
	} `yaml:"sync"`

	Push struct {
		AppName     string `yaml:"appName"`
		OrderPath   string `yaml:"orderPath"`
		ProductPath string `yaml:"productPath"`
	} `yaml:"push"`

	Logging struct {
		Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format     string `yaml:"format" validate:"omitempty,oneof=json console"`
		StatsEvery string `yaml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SyncRoute struct {
	Tag   string `yaml:"tag" validate:"required,excludesall=:"`
	Match string `yaml:"match" validate:"required"`

	matcher Matcher
}

func (r SyncRoute) Matches(path string) bool { return r.matcher.Match(path) }

// SkipWaiting reports whether a freshly installed version activates without
// waiting for an explicit SKIP_WAITING command.
func (c Config) SkipWaiting() bool {
	if c.Lifecycle.SkipWaiting == nil {
		return true
	}
	return *c.Lifecycle.SkipWaiting
}

// Tags returns the sync tags: the two built-in ones plus any declared by routes.
func (c Config) Tags() []string {
	tags := []string{"cart-sync", "order-sync"}
	seen := map[string]struct{}{"cart-sync": {}, "order-sync": {}}
	for _, r := range c.Sync.Routes {
		if _, ok := seen[r.Tag]; ok {
			continue
		}
		seen[r.Tag] = struct{}{}
		tags = append(tags, r.Tag)
	}
	return tags
}

// Load reads the YAML file at path, applies env overrides and defaults, and
// validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := compile(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OFFLINE0_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	cfg.Server.Port = getenvInt("OFFLINE0_PORT", cfg.Server.Port)
	if v := os.Getenv("OFFLINE0_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("OFFLINE0_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("OFFLINE0_REDIS_ADDR"); v != "" {
		cfg.Sync.Redis.Addr = v
	}
	if v := os.Getenv("OFFLINE0_REDIS_PASSWORD"); v != "" {
		cfg.Sync.Redis.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "256mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "2gb"
	}
	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "./data/cache"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.Prefix == "" {
		cfg.Storage.S3.Prefix = "offline0"
	}
	if cfg.Storage.Backend == "tiered" && cfg.Storage.Durable == "" {
		cfg.Storage.Durable = "leveldb"
	}
	if cfg.Routing.API == "" {
		cfg.Routing.API = "PathPrefix(/api/)"
	}
	if cfg.Routing.NetworkTimeout == "" {
		cfg.Routing.NetworkTimeout = "3s"
	}
	if cfg.Routing.BackgroundLimit == 0 {
		cfg.Routing.BackgroundLimit = 32
	}
	if cfg.Precache.OfflinePage == "" {
		cfg.Precache.OfflinePage = "/offline.html"
	}
	if len(cfg.Precache.Paths) == 0 {
		cfg.Precache.Paths = []string{"/", cfg.Precache.OfflinePage, "/manifest.json", "/css/style.css", "/js/main.js"}
	}
	if !slices.Contains(cfg.Precache.Paths, cfg.Precache.OfflinePage) {
		cfg.Precache.Paths = append(cfg.Precache.Paths, cfg.Precache.OfflinePage)
	}
	if cfg.Precache.Concurrency == 0 {
		cfg.Precache.Concurrency = 4
	}
	if cfg.Sync.Backend == "" {
		cfg.Sync.Backend = "memory"
	}
	if cfg.Sync.Path == "" {
		cfg.Sync.Path = "./data/sync"
	}
	if cfg.Sync.MaxPending == 0 {
		cfg.Sync.MaxPending = 100
	}
	if len(cfg.Sync.Routes) == 0 {
		cfg.Sync.Routes = []SyncRoute{
			{Tag: "cart-sync", Match: "PathPrefix(/api/cart)"},
			{Tag: "order-sync", Match: "PathPrefix(/api/order)"},
		}
	}
	if cfg.Sync.LockTTL == "" {
		cfg.Sync.LockTTL = "30s"
	}
	if cfg.Push.AppName == "" {
		cfg.Push.AppName = "FlexPack"
	}
	if cfg.Push.OrderPath == "" {
		cfg.Push.OrderPath = "/track-order.html?order=%s"
	}
	if cfg.Push.ProductPath == "" {
		cfg.Push.ProductPath = "/product.html?id=%s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func compile(cfg *Config) error {
	var err error
	if cfg.Storage.RAMMaxBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskMaxBytes, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	needS3 := cfg.Storage.Backend == "s3" || (cfg.Storage.Backend == "tiered" && cfg.Storage.Durable == "s3")
	if needS3 {
		s3 := cfg.Storage.S3
		if s3.Endpoint == "" || s3.Bucket == "" || s3.AccessKey == "" || s3.SecretKey == "" {
			return fmt.Errorf("storage.s3: endpoint/bucket/access/secret are required")
		}
	}
	if cfg.Sync.Backend == "redis" && cfg.Sync.Redis.Addr == "" {
		return fmt.Errorf("sync.redis.addr is required")
	}

	if cfg.Routing.APIMatcher, err = ParseMatch(cfg.Routing.API); err != nil {
		return fmt.Errorf("routing.api: %w", err)
	}
	if cfg.Routing.NetworkTimeoutDur, err = parseDuration(cfg.Routing.NetworkTimeout); err != nil {
		return fmt.Errorf("routing.networkTimeout: %w", err)
	}
	if cfg.Precache.CheckEveryDur, err = parseDuration(cfg.Precache.CheckEvery); err != nil {
		return fmt.Errorf("precache.checkEvery: %w", err)
	}
	if cfg.Sync.RetryEveryDur, err = parseDuration(cfg.Sync.RetryEvery); err != nil {
		return fmt.Errorf("sync.retryEvery: %w", err)
	}
	if cfg.Sync.LockTTLDur, err = parseDuration(cfg.Sync.LockTTL); err != nil {
		return fmt.Errorf("sync.lockTTL: %w", err)
	}
	if cfg.Logging.StatsEveryDur, err = parseDuration(cfg.Logging.StatsEvery); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	for i := range cfg.Sync.Routes {
		r := &cfg.Sync.Routes[i]
		if r.matcher, err = ParseMatch(r.Match); err != nil {
			return fmt.Errorf("sync.routes[%d].match: %w", i, err)
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
