package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"meshnode/internal/neighborhood"
)

const FileName = "config.yml"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Home          string `yaml:"home" validate:"required"`
	ListenAddr    string `yaml:"listen_addr" validate:"required,hostname_port"`
	AdvertiseAddr string `yaml:"advertise_addr" validate:"required"`
	DBPath        string `yaml:"db_path" validate:"required"`
	Relay         bool   `yaml:"relay"`

	Gossip    GossipConfig    `yaml:"gossip"`
	Transport TransportConfig `yaml:"transport"`
	Debug     DebugConfig     `yaml:"debug"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bootstrap []BootstrapPeer `yaml:"bootstrap" validate:"dive"`
}

type GossipConfig struct {
	MinimumNeighbors int           `yaml:"minimum_neighbors" validate:"gte=1,lte=64"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	Workers          int           `yaml:"workers" validate:"gte=1,lte=256"`
	DedupCacheSize   int           `yaml:"dedup_cache_size" validate:"gte=1"`
}

type TransportConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout" validate:"gt=0"`
	MaxRetries  uint64        `yaml:"max_retries" validate:"lte=10"`
	RetryBase   time.Duration `yaml:"retry_base" validate:"gt=0"`
}

type DebugConfig struct {
	// Addr serves pprof and /metrics when set. Loopback only unless AllowPublic.
	Addr        string `yaml:"addr" validate:"omitempty,hostname_port"`
	AllowPublic bool   `yaml:"allow_public"`
	Verbose     bool   `yaml:"verbose"`
}

type StoreConfig struct {
	SaveInterval time.Duration `yaml:"save_interval" validate:"gt=0"`
}

type MetricsConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

type BootstrapPeer struct {
	PublicKey string `yaml:"public_key" validate:"required"`
	NodeAddr  string `yaml:"node_addr" validate:"required"`
	Relay     bool   `yaml:"relay"`
}

// DefaultHome is $MESH_HOME, or ~/.mesh-node.
func DefaultHome() string {
	if h := strings.TrimSpace(os.Getenv("MESH_HOME")); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".mesh-node")
}

func Default(home string) *Config {
	if home == "" {
		home = DefaultHome()
	}
	return &Config{
		Home:          home,
		ListenAddr:    "0.0.0.0:4646",
		AdvertiseAddr: "127.0.0.1:4646",
		DBPath:        filepath.Join(home, "neighborhood.db"),
		Gossip: GossipConfig{
			MinimumNeighbors: 3,
			Interval:         30 * time.Second,
			Workers:          4,
			DedupCacheSize:   1024,
		},
		Transport: TransportConfig{
			SendTimeout: 5 * time.Second,
			MaxRetries:  3,
			RetryBase:   200 * time.Millisecond,
		},
		Store: StoreConfig{
			SaveInterval: time.Minute,
		},
	}
}

// Load reads path, or <home>/config.yml when path is empty, on top of the
// defaults, applies MESH_* overrides and validates the result. A missing
// default-location file is not an error; a missing explicit path is.
func Load(path, home string) (*Config, error) {
	cfg := Default(home)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.Home, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if home != "" {
		cfg.Home = home
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Home, "neighborhood.db")
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MESH_* environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"MESH_LISTEN_ADDR":    &c.ListenAddr,
		"MESH_ADVERTISE_ADDR": &c.AdvertiseAddr,
		"MESH_DB_PATH":        &c.DBPath,
		"MESH_DEBUG_ADDR":     &c.Debug.Addr,
		"MESH_METRICS_PATH":   &c.Metrics.SnapshotPath,
	}
	for key, dst := range str {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			*dst = raw
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_RELAY")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: MESH_RELAY=%q", ErrInvalid, raw)
		}
		c.Relay = v
	}
	if n, ok, err := envInt("MESH_MINIMUM_NEIGHBORS"); err != nil {
		return err
	} else if ok {
		c.Gossip.MinimumNeighbors = n
	}
	if n, ok, err := envInt("MESH_GOSSIP_WORKERS"); err != nil {
		return err
	} else if ok {
		c.Gossip.Workers = n
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_GOSSIP_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: MESH_GOSSIP_INTERVAL=%q", ErrInvalid, raw)
		}
		c.Gossip.Interval = d
	}
	if os.Getenv("MESH_DEBUG") == "1" {
		c.Debug.Verbose = true
	}
	return nil
}

func envInt(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw)
	}
	return n, true, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.AdvertiseNodeAddr(); err != nil {
		return fmt.Errorf("%w: advertise_addr: %v", ErrInvalid, err)
	}
	for i, b := range c.Bootstrap {
		if _, _, err := b.Parse(); err != nil {
			return fmt.Errorf("%w: bootstrap[%d]: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

func (c *Config) AdvertiseNodeAddr() (neighborhood.NodeAddr, error) {
	return neighborhood.ParseNodeAddr(c.AdvertiseAddr)
}

func (b BootstrapPeer) Parse() (neighborhood.PublicKey, neighborhood.NodeAddr, error) {
	key, err := neighborhood.ParsePublicKey(b.PublicKey)
	if err != nil {
		return "", neighborhood.NodeAddr{}, fmt.Errorf("public_key: %w", err)
	}
	addr, err := neighborhood.ParseNodeAddr(b.NodeAddr)
	if err != nil {
		return "", neighborhood.NodeAddr{}, fmt.Errorf("node_addr: %w", err)
	}
	return key, addr, nil
}

// Save writes c as YAML to <home>/config.yml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Home, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.Home, FileName), data, 0600)
}
