package config

import (
	"net"
	"strconv"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/wweir/fwdproxy/internal/http"
	"github.com/wweir/fwdproxy/router"
)

// ProxyConfig represents the configuration of the forward proxy
type ProxyConfig struct {
	LogLevel string `default:"info" flag:"log_level" usage:"log level: debug, info, warn, error"`

	Host string `default:"127.0.0.1" flag:"host" usage:"listen ip"`
	Port int    `default:"8080" flag:"port" usage:"listen port, also accepted as the first argument"`

	ReadTimeout     time.Duration `default:"30s" flag:"read_timeout" usage:"idle timeout of a single read, 0 to disable"`
	DialTimeout     time.Duration `default:"5s" flag:"dial_timeout" usage:"origin connect timeout, 0 to disable"`
	ReadSize        int           `default:"65536" flag:"read_size" usage:"bytes requested per socket read"`
	MaxMessageBytes int           `default:"10485760" flag:"max_message_bytes" usage:"abort when a message grows beyond this, 0 for no limit"`

	RequestNoLength string `default:"empty" flag:"request_no_length" usage:"request without content-length, option: empty/reject"`
	LegacyHTMLQuirk bool   `default:"false" flag:"legacy_html_quirk" usage:"omit the blank line after the headers of bodiless text/html messages"`
	BadGateway      bool   `default:"false" flag:"bad_gateway" usage:"answer 502 to the client when the origin is unreachable"`

	DNS struct {
		Upstream string        `flag:"upstream" usage:"dns server used to resolve origins, eg: 1.1.1.1:53"`
		CacheTTL time.Duration `default:"5m" flag:"cache_ttl" usage:"dns answer cache rotation"`
	} `flag:"dns"`

	Metrics struct {
		Addr string `flag:"addr" usage:"prometheus metrics listen address, eg: 127.0.0.1:9090"`
	} `flag:"metrics"`
}

// Load reads the configuration from defaults, the -conf file, environment
// (FWDPROXY_ prefixed) and args, and validates it.
func Load(args []string) (*ProxyConfig, error) {
	cfg := &ProxyConfig{}
	loader := aconfig.LoaderFor(cfg, aconfig.Config{
		AllowUnknownFields: true,
		EnvPrefix:          "FWDPROXY",
		FileFlag:           "conf",
		Args:               args,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yml":  aconfigyaml.New(),
			".yaml": aconfigyaml.New(),
			".toml": aconfigtoml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	if rest := loader.Flags().Args(); len(rest) > 0 {
		port, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, errors.Wrapf(err, "port argument %q", rest[0])
		}
		cfg.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate implements the validation interface for ProxyConfig
func (c *ProxyConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port: %d", c.Port)
	}
	if net.ParseIP(c.Host) == nil && c.Host != "" && c.Host != "localhost" {
		return errors.Errorf("invalid listen ip: %s", c.Host)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log level %q", c.LogLevel)
	}

	if c.ReadSize <= 0 {
		return errors.Errorf("read size must be positive: %d", c.ReadSize)
	}
	if c.MaxMessageBytes < 0 {
		return errors.Errorf("max message bytes can not be negative: %d", c.MaxMessageBytes)
	}
	if c.ReadTimeout < 0 || c.DialTimeout < 0 {
		return errors.New("timeouts can not be negative")
	}

	if _, err := http.ParseNoLengthPolicy(c.RequestNoLength); err != nil {
		return err
	}

	if c.DNS.Upstream != "" {
		if _, _, err := router.ParseHostPort(c.DNS.Upstream, 53); err != nil {
			return errors.Wrapf(err, "dns upstream %q", c.DNS.Upstream)
		}
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return errors.Wrapf(err, "metrics addr %q", c.Metrics.Addr)
		}
	}

	return nil
}

func (c *ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NoLengthPolicy is the parsed RequestNoLength, NoLengthEmpty if invalid.
func (c *ProxyConfig) NoLengthPolicy() http.NoLengthPolicy {
	policy, _ := http.ParseNoLengthPolicy(c.RequestNoLength)
	return policy
}
