package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/joho/godotenv"
)

// Config holds all node configuration. Values are resolved as defaults,
// then the optional YAML file, then SAF_* environment variables.
type Config struct {
	Home     string         `yaml:"home"`
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	Node     NodeConfig     `yaml:"node"`
	Storage  StorageConfig  `yaml:"storage"`
	SAF      SAFConfig      `yaml:"saf"`
	DHT      DHTConfig      `yaml:"dht"`
	Outbound OutboundConfig `yaml:"outbound"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NodeConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	AdvertiseAddr    string        `yaml:"advertise_addr"`
	DevTLS           bool          `yaml:"dev_tls"`
	Bootstrap        []string      `yaml:"bootstrap"`
	PeerBookCap      int           `yaml:"peer_book_cap"`
	PeerTTL          time.Duration `yaml:"peer_ttl"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type StorageConfig struct {
	// Backend is one of memory, jsonl, sqlite, leveldb, redis.
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type SAFConfig struct {
	MaxItemBytes        int           `yaml:"max_item_bytes"`
	MaxCount            int           `yaml:"max_count"`
	MaxBytes            int64         `yaml:"max_bytes"`
	LowPriorityTTL      time.Duration `yaml:"low_priority_ttl"`
	HighPriorityTTL     time.Duration `yaml:"high_priority_ttl"`
	MaxTTL              time.Duration `yaml:"max_ttl"`
	MaxReturnedMessages int           `yaml:"max_returned_messages"`
	BatchMaxCount       int           `yaml:"batch_max_count"`
	BatchMaxBytes       int           `yaml:"batch_max_bytes"`
	NumClosestNodes     int           `yaml:"num_closest_nodes"`
	RetrievalTimeout    time.Duration `yaml:"retrieval_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	DedupWindow         int           `yaml:"dedup_window"`
	DedupTTL            time.Duration `yaml:"dedup_ttl"`
	MailboxSize         int           `yaml:"mailbox_size"`
	AcceptDirectRequest bool          `yaml:"accept_direct_requests"`
	EvictEqualPriority  bool          `yaml:"evict_equal_priority"`
	RemoveOnDelivery    bool          `yaml:"remove_on_delivery"`
	AutoRequest         bool          `yaml:"auto_request"`
	RetrieveRate        float64       `yaml:"retrieve_rate"`
	RetrieveBurst       int           `yaml:"retrieve_burst"`
}

type DHTConfig struct {
	NeighbourhoodSize int `yaml:"neighbourhood_size"`
	MailboxSize       int `yaml:"mailbox_size"`
}

type OutboundConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PprofAddr enables the profiling listener. It must be loopback unless
	// PprofPublic is set.
	PprofAddr   string `yaml:"pprof_addr"`
	PprofPublic bool   `yaml:"pprof_public"`
}

var ErrInvalid = errors.New("invalid config")

// maxWireItemBytes keeps a single stored message inside one response frame
// after double base64 encoding.
const maxWireItemBytes = 560 << 10

func Default() *Config {
	h, _ := os.UserHomeDir()
	return &Config{
		Home: filepath.Join(h, ".safnode"),
		Env:  "development",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Node: NodeConfig{
			ListenAddr:       "0.0.0.0:4433",
			PeerBookCap:      512,
			PeerTTL:          30 * time.Minute,
			SnapshotInterval: time.Second,
		},
		Storage: StorageConfig{
			Backend:     "jsonl",
			RedisPrefix: "saf",
		},
		SAF: SAFConfig{
			MaxItemBytes:        512 << 10,
			MaxCount:            10_000,
			MaxBytes:            256 << 20,
			LowPriorityTTL:      6 * time.Hour,
			HighPriorityTTL:     3 * 24 * time.Hour,
			MaxTTL:              3 * 24 * time.Hour,
			MaxReturnedMessages: 50,
			BatchMaxCount:       20,
			BatchMaxBytes:       256 << 10,
			NumClosestNodes:     10,
			RetrievalTimeout:    30 * time.Second,
			SweepInterval:       time.Minute,
			DedupWindow:         4096,
			DedupTTL:            24 * time.Hour,
			MailboxSize:         64,
			AcceptDirectRequest: true,
			RemoveOnDelivery:    true,
			AutoRequest:         true,
			RetrieveRate:        1,
			RetrieveBurst:       5,
		},
		DHT: DHTConfig{
			NeighbourhoodSize: 8,
			MailboxSize:       64,
		},
		Outbound: OutboundConfig{
			QueueSize:      256,
			Workers:        4,
			SendTimeout:    8 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 100 * time.Millisecond,
			RetryMaxDelay:  time.Second,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

// Load reads configuration. A missing .env file is ignored; a missing
// YAML file named explicitly is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("SAF_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Home == "":
		return fmt.Errorf("%w: missing home", ErrInvalid)
	case c.Node.ListenAddr == "":
		return fmt.Errorf("%w: missing node.listen_addr", ErrInvalid)
	case c.SAF.MaxItemBytes <= 0:
		return fmt.Errorf("%w: saf.max_item_bytes must be positive", ErrInvalid)
	case c.SAF.MaxCount <= 0:
		return fmt.Errorf("%w: saf.max_count must be positive", ErrInvalid)
	case c.SAF.MaxBytes < int64(c.SAF.MaxItemBytes):
		return fmt.Errorf("%w: saf.max_bytes below saf.max_item_bytes", ErrInvalid)
	case c.SAF.LowPriorityTTL <= 0 || c.SAF.HighPriorityTTL <= 0:
		return fmt.Errorf("%w: saf ttl must be positive", ErrInvalid)
	case c.SAF.MaxTTL < c.SAF.LowPriorityTTL || c.SAF.MaxTTL < c.SAF.HighPriorityTTL:
		return fmt.Errorf("%w: saf.max_ttl below a default ttl", ErrInvalid)
	case c.SAF.BatchMaxCount <= 0 || c.SAF.BatchMaxBytes <= 0:
		return fmt.Errorf("%w: saf batch limits must be positive", ErrInvalid)
	case c.SAF.BatchMaxBytes > maxWireItemBytes:
		return fmt.Errorf("%w: saf.batch_max_bytes above %d", ErrInvalid, maxWireItemBytes)
	case c.SAF.MaxItemBytes > maxWireItemBytes:
		return fmt.Errorf("%w: saf.max_item_bytes above %d", ErrInvalid, maxWireItemBytes)
	case c.SAF.MaxReturnedMessages <= 0:
		return fmt.Errorf("%w: saf.max_returned_messages must be positive", ErrInvalid)
	case c.SAF.RetrievalTimeout <= 0:
		return fmt.Errorf("%w: saf.retrieval_timeout must be positive", ErrInvalid)
	case c.SAF.MailboxSize <= 0 || c.DHT.MailboxSize <= 0:
		return fmt.Errorf("%w: mailbox sizes must be positive", ErrInvalid)
	case c.DHT.NeighbourhoodSize <= 0:
		return fmt.Errorf("%w: dht.neighbourhood_size must be positive", ErrInvalid)
	case c.Outbound.QueueSize <= 0 || c.Outbound.Workers <= 0:
		return fmt.Errorf("%w: outbound queue and workers must be positive", ErrInvalid)
	}
	switch c.Storage.Backend {
	case "memory", "jsonl", "sqlite", "leveldb":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("%w: storage.redis_url required for redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StoragePath returns the backend path, defaulting under Home.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch c.Storage.Backend {
	case "sqlite":
		return filepath.Join(c.Home, "saf.db")
	case "leveldb":
		return filepath.Join(c.Home, "saf.ldb")
	default:
		return filepath.Join(c.Home, "saf.jsonl")
	}
}

func applyEnv(c *Config) {
	c.Home = getEnv("SAF_HOME", c.Home)
	c.Env = getEnv("SAF_ENV", c.Env)
	c.Log.Level = getEnv("SAF_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("SAF_LOG_FORMAT", c.Log.Format)
	c.Node.ListenAddr = getEnv("SAF_LISTEN_ADDR", c.Node.ListenAddr)
	c.Node.AdvertiseAddr = getEnv("SAF_ADVERTISE_ADDR", c.Node.AdvertiseAddr)
	if v, ok := envBool("SAF_DEV_TLS"); ok {
		c.Node.DevTLS = v
	}
	if raw := os.Getenv("SAF_BOOTSTRAP"); raw != "" {
		c.Node.Bootstrap = splitList(raw)
	}
	c.Storage.Backend = getEnv("SAF_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Path = getEnv("SAF_STORAGE_PATH", c.Storage.Path)
	c.Storage.RedisURL = getEnv("SAF_REDIS_URL", c.Storage.RedisURL)
	c.HTTP.Addr = getEnv("SAF_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.PprofAddr = getEnv("SAF_PPROF_ADDR", c.HTTP.PprofAddr)
	if v, ok := envBool("SAF_PPROF_PUBLIC"); ok {
		c.HTTP.PprofPublic = v
	}

	if v, ok := envInt("SAF_MAX_ITEM_BYTES"); ok {
		c.SAF.MaxItemBytes = v
	}
	if v, ok := envInt("SAF_MAX_COUNT"); ok {
		c.SAF.MaxCount = v
	}
	if v, ok := envInt("SAF_MAX_BYTES"); ok {
		c.SAF.MaxBytes = int64(v)
	}
	if v, ok := envInt("SAF_MAX_RETURNED"); ok {
		c.SAF.MaxReturnedMessages = v
	}
	if v, ok := envInt("SAF_DEDUP_WINDOW"); ok {
		c.SAF.DedupWindow = v
	}
	if v, ok := envInt("SAF_MAILBOX_SIZE"); ok {
		c.SAF.MailboxSize = v
	}
	if v, ok := envInt("SAF_NUM_CLOSEST"); ok {
		c.SAF.NumClosestNodes = v
	}
	if v, ok := envDuration("SAF_RETRIEVAL_TIMEOUT"); ok {
		c.SAF.RetrievalTimeout = v
	}
	if v, ok := envDuration("SAF_SWEEP_INTERVAL"); ok {
		c.SAF.SweepInterval = v
	}
	if v, ok := envBool("SAF_AUTO_REQUEST"); ok {
		c.SAF.AutoRequest = v
	}
	if v, ok := envInt("SAF_NEIGHBOURHOOD_SIZE"); ok {
		c.DHT.NeighbourhoodSize = v
	}
	if v, ok := envInt("SAF_OUTBOUND_WORKERS"); ok {
		c.Outbound.Workers = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
