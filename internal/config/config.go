package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Web       WebConfig       `yaml:"web"`
	Cert      CertConfig      `yaml:"cert"`
	Intercept InterceptConfig `yaml:"intercept"`
	Store     StoreConfig     `yaml:"store"`
}

type ProxyConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type WebConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type CertConfig struct {
	CertFile string `yaml:"cert_file"`
}

type InterceptConfig struct {
	// Hosts the proxy is allowed to intercept. Empty means every host.
	AllowedHosts []string `yaml:"allowed_hosts"`
	// Bodies above this size are passed through unrecorded.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// Upstream round-trip timeout in seconds.
	UpstreamTimeoutSec int `yaml:"upstream_timeout_sec"`
}

type StoreConfig struct {
	// Optional JSON snapshot of recorded flows. Empty disables persistence.
	PersistFile string `yaml:"persist_file"`
}

const (
	defaultProxyAddr       = ":8080"
	defaultWebAddr         = ":8081"
	defaultCertFile        = "certs/ca.pem"
	defaultMaxBodyBytes    = 10 << 20 // 10 MiB
	defaultUpstreamTimeout = 30
)

// Load resolves configuration from an optional YAML file plus environment
// variables. Env values win over the file so a deployment can override a
// single setting without editing it.
func Load() (*Config, error) {
	// .env is a developer convenience, its absence is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Proxy: ProxyConfig{ListenAddr: defaultProxyAddr},
		Web:   WebConfig{ListenAddr: defaultWebAddr},
		Cert:  CertConfig{CertFile: defaultCertFile},
		Intercept: InterceptConfig{
			MaxBodyBytes:       defaultMaxBodyBytes,
			UpstreamTimeoutSec: defaultUpstreamTimeout,
		},
	}

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if explicit {
		// an explicitly requested file must exist
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PROXY_LISTEN_ADDR"); v != "" {
		cfg.Proxy.ListenAddr = v
	}
	if v := os.Getenv("WEB_LISTEN_ADDR"); v != "" {
		cfg.Web.ListenAddr = v
	}
	if v := os.Getenv("PROXY_CERT_FILE"); v != "" {
		cfg.Cert.CertFile = v
	}
	if v := os.Getenv("PROXY_ALLOWED_HOSTS"); v != "" {
		cfg.Intercept.AllowedHosts = splitHosts(v)
	}
	if v := os.Getenv("PROXY_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Intercept.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("PROXY_UPSTREAM_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Intercept.UpstreamTimeoutSec = n
		}
	}
	if v := os.Getenv("STORE_PERSIST_FILE"); v != "" {
		cfg.Store.PersistFile = v
	}
}

func splitHosts(v string) []string {
	parts := strings.Split(v, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}
