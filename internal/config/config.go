// Package config loads the service configuration from a YAML file, then
// applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration reads "5s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	HTTPAddr    string      `yaml:"http_addr"`
	DataDir     string      `yaml:"data_dir"`
	Log         Log         `yaml:"log"`
	NATS        NATS        `yaml:"nats"`
	Scan        Scan        `yaml:"scan"`
	Identify    Identify    `yaml:"identify"`
	Transports  Transports  `yaml:"transports"`
	Retry       Retry       `yaml:"retry"`
	Session     Session     `yaml:"session"`
	Credentials Credentials `yaml:"credentials"`
	MikroTik    MikroTik    `yaml:"mikrotik"`
	Storage     Storage     `yaml:"storage"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type NATS struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Prefix  string   `yaml:"prefix"`
	Timeout Duration `yaml:"timeout"`
	// Retention is the stream MaxAge.
	Retention Duration     `yaml:"retention"`
	Embedded  EmbeddedNATS `yaml:"embedded"`
}

type EmbeddedNATS struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	HTTPPort int    `yaml:"http_port"`
	StoreDir string `yaml:"store_dir"`
	MaxStore int64  `yaml:"max_store"`
}

type Scan struct {
	// Targets are target specs: CIDRs, ranges or hosts.
	Targets []string `yaml:"targets"`
	// Interval enables periodic scans when non-zero.
	Interval         Duration `yaml:"interval"`
	Concurrency      int      `yaml:"concurrency"`
	PerDeviceTimeout Duration `yaml:"per_device_timeout"`
	Deadline         Duration `yaml:"deadline"`
	Poll             bool     `yaml:"poll"`
	// MikroTikLeases adds DHCP lease addresses from the router to each scan.
	MikroTikLeases bool `yaml:"mikrotik_leases"`
}

type Identify struct {
	Order        []string `yaml:"order"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

type Transports struct {
	Socket struct {
		Port        int      `yaml:"port"`
		DialTimeout Duration `yaml:"dial_timeout"`
		KeepAlive   bool     `yaml:"keep_alive"`
	} `yaml:"socket"`
	HTTP struct {
		Scheme      string   `yaml:"scheme"`
		Port        int      `yaml:"port"`
		DialTimeout Duration `yaml:"dial_timeout"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"http"`
	SSH struct {
		Port        int      `yaml:"port"`
		DialTimeout Duration `yaml:"dial_timeout"`
	} `yaml:"ssh"`
}

type Retry struct {
	Attempts   int      `yaml:"attempts"`
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`
	Multiplier float64  `yaml:"multiplier"`
}

type Session struct {
	IdleTimeout    Duration `yaml:"idle_timeout"`
	RejectWhenBusy bool     `yaml:"reject_when_busy"`
}

type Credentials struct {
	// TryDefaults appends vendor factory credentials after configured ones.
	TryDefaults bool         `yaml:"try_defaults"`
	Entries     []Credential `yaml:"entries"`
}

// Credential values may be "enc:<base64>" sealed with the data dir key.
type Credential struct {
	Name           string `yaml:"name"`
	Targets        string `yaml:"targets"`
	Vendor         string `yaml:"vendor"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Passphrase     string `yaml:"passphrase"`
}

type MikroTik struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	// Subnets limits lease targets to these specs. Empty keeps all leases.
	Subnets string `yaml:"subnets"`
}

type Storage struct {
	Path string `yaml:"path"`
	// KeepSnapshots bounds stored telemetry per device.
	KeepSnapshots int `yaml:"keep_snapshots"`
}

func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path (when non-empty), fills defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	def := func(d *Duration, v time.Duration) {
		if *d == 0 {
			*d = Duration(v)
		}
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:14222"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "minerlink"
	}
	def(&c.NATS.Timeout, 5*time.Second)
	def(&c.NATS.Retention, 7*24*time.Hour)
	if c.NATS.Embedded.Host == "" {
		c.NATS.Embedded.Host = "127.0.0.1"
	}
	if c.NATS.Embedded.Port == 0 {
		c.NATS.Embedded.Port = 14222
	}
	if c.NATS.Embedded.HTTPPort == 0 {
		c.NATS.Embedded.HTTPPort = 18222
	}
	if c.NATS.Embedded.StoreDir == "" {
		c.NATS.Embedded.StoreDir = c.DataDir + "/nats"
	}

	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 256
	}
	def(&c.Scan.PerDeviceTimeout, 10*time.Second)
	def(&c.Scan.Deadline, 2*time.Minute)

	if len(c.Identify.Order) == 0 {
		c.Identify.Order = []string{"socket", "http", "ssh"}
	}
	def(&c.Identify.ProbeTimeout, 2*time.Second)

	def(&c.Transports.Socket.DialTimeout, 800*time.Millisecond)
	def(&c.Transports.HTTP.DialTimeout, 1400*time.Millisecond)
	def(&c.Transports.HTTP.Timeout, 5*time.Second)
	def(&c.Transports.SSH.DialTimeout, 3*time.Second)

	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	def(&c.Retry.Backoff, 200*time.Millisecond)
	def(&c.Retry.MaxBackoff, 2*time.Second)
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}

	def(&c.Session.IdleTimeout, 30*time.Second)

	if c.MikroTik.Address == "" {
		c.MikroTik.Address = "127.0.0.1:8728"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = c.DataDir + "/minerlink.db"
	}
	if c.Storage.KeepSnapshots <= 0 {
		c.Storage.KeepSnapshots = 1000
	}
}

// applyEnv keeps the variable names the collector deployment already uses.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_PREFIX", &c.NATS.Prefix)
	str("MT_ADDRESS", &c.MikroTik.Address)
	str("MT_USERNAME", &c.MikroTik.Username)
	str("MT_PASSWORD", &c.MikroTik.Password)
	str("HTTP_ADDR", &c.HTTPAddr)

	if v, ok := lookup("COLLECTOR_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COLLECTOR_CONCURRENCY: %w", err)
		}
		c.Scan.Concurrency = n
	}
	if v, ok := lookup("COLLECTOR_POLL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLECTOR_POLL_TIMEOUT: %w", err)
		}
		c.Scan.PerDeviceTimeout = Duration(d)
	}
	if v, ok := lookup("SCAN_TARGETS"); ok && v != "" {
		c.Scan.Targets = strings.Split(v, ";")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be positive")
	}
	if c.Scan.PerDeviceTimeout.Duration() > c.Scan.Deadline.Duration() {
		return fmt.Errorf("scan.per_device_timeout %s exceeds scan.deadline %s",
			c.Scan.PerDeviceTimeout.Duration(), c.Scan.Deadline.Duration())
	}
	for _, o := range c.Identify.Order {
		switch o {
		case "socket", "http", "ssh":
		default:
			return fmt.Errorf("identify.order: unknown transport %q", o)
		}
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}
