package imgcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Origin        OriginConfig        `yaml:"origin"`
	Store         StoreConfig         `yaml:"store"`
	NegativeCache NegativeCacheConfig `yaml:"negativeCache"`
	WriteBack     WriteBackConfig     `yaml:"writeBack"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Secret is a configuration string that must never be printed.
type Secret string

func (Secret) String() string   { return "[redacted]" }
func (Secret) GoString() string { return "[redacted]" }

type ServerConfig struct {
	Addr string `yaml:"addr"`
	TLS  struct {
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
	ShutdownTimeout   string `yaml:"shutdownTimeout"`

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

type OriginConfig struct {
	BaseURL     string `yaml:"baseURL"`
	Referer     string `yaml:"referer"`
	UserAgent   string `yaml:"userAgent"`
	Timeout     string `yaml:"timeout"`
	MaxBodySize string `yaml:"maxBodySize"`

	timeout     time.Duration
	maxBodySize int64
}

type StoreConfig struct {
	// Driver selects the URL signer: "s3" (aws-sdk-go-v2) or "minio".
	Driver        string          `yaml:"driver"`
	Endpoint      string          `yaml:"endpoint"`
	Bucket        string          `yaml:"bucket"`
	Region        string          `yaml:"region"`
	AccessKey     string          `yaml:"accessKey"`
	SecretKey     Secret          `yaml:"secretKey"`
	PresignTTL    string          `yaml:"presignTTL"`
	Timeout       string          `yaml:"timeout"`
	MaxObjectSize string          `yaml:"maxObjectSize"`
	Transform     TransformConfig `yaml:"transform"`

	endpoint      *url.URL
	presignTTL    time.Duration
	timeout       time.Duration
	maxObjectSize int64
}

type TransformConfig struct {
	Compression CompressionConfig `yaml:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
}

type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"`
	// Level defaults to 6 when unset.
	Level *int `yaml:"level"`
	// MaxDecodedSize caps the decompressed size of a stored object.
	MaxDecodedSize string `yaml:"maxDecodedSize"`

	maxDecoded int64
}

type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"`
	// Key is the base64 encoding of a 32 byte key.
	Key Secret `yaml:"key"`
}

type NegativeCacheConfig struct {
	// Driver is "redis" or "valkey".
	Driver         string `yaml:"driver"`
	URL            string `yaml:"url"`
	Password       Secret `yaml:"password"`
	DB             *int   `yaml:"db"`
	KeyPrefix      string `yaml:"keyPrefix"`
	AbsentTTL      string `yaml:"absentTTL"`
	OriginErrorTTL string `yaml:"originErrorTTL"`
	Timeout        string `yaml:"timeout"`

	absentTTL      time.Duration
	originErrorTTL time.Duration
	timeout        time.Duration
}

type WriteBackConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queueSize"`
	Timeout   string `yaml:"timeout"`

	timeout time.Duration
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	StatsEvery string `yaml:"statsEvery"`

	statsEvery time.Duration
}

// LoadConfig reads a YAML file, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapConfig(err, "read config")
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return Config{}, wrapConfig(err, "parse config")
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	steps := []struct {
		section string
		fn      func() error
	}{
		{"server", c.Server.normalize},
		{"origin", c.Origin.normalize},
		{"store", c.Store.normalize},
		{"negativeCache", c.NegativeCache.normalize},
		{"writeBack", c.WriteBack.normalize},
		{"logging", c.Logging.normalize},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return wrapConfig(err, "%s", s.section)
		}
	}
	return nil
}

func (c *ServerConfig) normalize() error {
	if c.Addr == "" {
		c.Addr = "0.0.0.0:443"
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return configError("tls.certFile and tls.keyFile must be set together")
	}
	var err error
	if c.readHeaderTimeout, err = parseDuration("readHeaderTimeout", c.ReadHeaderTimeout, 10*time.Second); err != nil {
		return err
	}
	if c.shutdownTimeout, err = parseDuration("shutdownTimeout", c.ShutdownTimeout, 10*time.Second); err != nil {
		return err
	}
	return nil
}

func (c ServerConfig) TLSEnabled() bool                    { return c.TLS.CertFile != "" }
func (c ServerConfig) ReadHeaderTimeoutDur() time.Duration { return c.readHeaderTimeout }
func (c ServerConfig) ShutdownTimeoutDur() time.Duration   { return c.shutdownTimeout }

func (c *OriginConfig) normalize() error {
	if c.BaseURL == "" {
		c.BaseURL = "https://i.pximg.net"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configError("baseURL %q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.Referer == "" {
		c.Referer = "https://www.pixiv.net/"
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if c.timeout, err = parseDuration("timeout", c.Timeout, 30*time.Second); err != nil {
		return err
	}
	if c.maxBodySize, err = parseSize("maxBodySize", c.MaxBodySize, 64<<20); err != nil {
		return err
	}
	return nil
}

func (c *StoreConfig) normalize() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = "s3"
	case "s3", "minio":
	default:
		return configError("driver %q is not one of s3, minio", c.Driver)
	}
	if c.Endpoint == "" {
		return configError("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configError("endpoint %q must be an absolute http(s) URL", c.Endpoint)
	}
	c.endpoint = u
	if strings.TrimSpace(c.Bucket) == "" || strings.Contains(c.Bucket, "/") {
		return configError("bucket %q is invalid", c.Bucket)
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return configError("accessKey and secretKey are required")
	}
	if c.presignTTL, err = parseDuration("presignTTL", c.PresignTTL, time.Hour); err != nil {
		return err
	}
	if c.presignTTL <= 0 || c.presignTTL > 7*24*time.Hour {
		return configError("presignTTL %s must be within (0, 168h]", c.presignTTL)
	}
	if c.timeout, err = parseDuration("timeout", c.Timeout, 30*time.Second); err != nil {
		return err
	}
	if c.maxObjectSize, err = parseSize("maxObjectSize", c.MaxObjectSize, 128<<20); err != nil {
		return err
	}
	comp := &c.Transform.Compression
	if comp.maxDecoded, err = parseSize("transform.compression.maxDecodedSize", comp.MaxDecodedSize, defaultMaxDecodedSize); err != nil {
		return err
	}
	if c.Transform.Encryption.Enabled {
		if _, err := DecodeKey(string(c.Transform.Encryption.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (c *NegativeCacheConfig) normalize() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = "redis"
	case "redis", "valkey":
	default:
		return configError("driver %q is not one of redis, valkey", c.Driver)
	}
	if c.URL == "" {
		return configError("url is required")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cache:"
	}
	var err error
	if c.absentTTL, err = parseDuration("absentTTL", c.AbsentTTL, 24*time.Hour); err != nil {
		return err
	}
	if c.originErrorTTL, err = parseDuration("originErrorTTL", c.OriginErrorTTL, 20*time.Minute); err != nil {
		return err
	}
	if c.absentTTL <= 0 || c.originErrorTTL <= 0 {
		return configError("absentTTL and originErrorTTL must be positive")
	}
	if c.timeout, err = parseDuration("timeout", c.Timeout, 2*time.Second); err != nil {
		return err
	}
	return nil
}

func (c *WriteBackConfig) normalize() error {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	var err error
	c.timeout, err = parseDuration("timeout", c.Timeout, time.Minute)
	return err
}

func (c *LoggingConfig) normalize() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return wrapConfig(err, "level")
	}
	switch c.Format {
	case "":
		c.Format = "text"
	case "text", "json":
	default:
		return configError("format %q is not one of text, json", c.Format)
	}
	var err error
	c.statsEvery, err = parseDuration("statsEvery", c.StatsEvery, 0)
	return err
}

func (c LoggingConfig) StatsEveryDur() time.Duration { return c.statsEvery }

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, wrapConfig(err, "%s", field)
	}
	if d < 0 {
		return 0, configError("%s must not be negative", field)
	}
	return d, nil
}

func parseSize(field, raw string, def int64) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := parseBytes(raw)
	if err != nil {
		return 0, wrapConfig(err, "%s", field)
	}
	if n <= 0 {
		return 0, configError("%s must be positive", field)
	}
	return n, nil
}

func (c Config) String() string {
	return fmt.Sprintf("addr=%s tls=%t origin=%s store=%s:%s/%s transform=%s negativeCache=%s",
		c.Server.Addr, c.Server.TLSEnabled(), c.Origin.BaseURL,
		c.Store.Driver, c.Store.Endpoint, c.Store.Bucket,
		describeTransform(c.Store.Transform), c.NegativeCache.Driver)
}

func describeTransform(t TransformConfig) string {
	var parts []string
	if t.Compression.Enabled {
		parts = append(parts, "compression:"+t.Compression.Algorithm)
	}
	if t.Encryption.Enabled {
		parts = append(parts, "encryption:"+t.Encryption.Algorithm)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
