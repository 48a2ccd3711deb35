package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "agentrelay.toml"

	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultEndpointPath     = "/agentforce-proxy"
	DefaultDomain           = "https://storm-f6d3229baed283.my.salesforce.com"
	DefaultAPIHost          = "https://api.salesforce.com"
	DefaultAgentID          = "0XxKY000000Mjwj0AC"
	DefaultSessionKeyPrefix = "lovable-session-"
	DefaultFirstSequenceID  = 2
	DefaultTimeoutSeconds   = 30
	DefaultTokenTTLMinutes  = 90
	DefaultSessionIdleMins  = 720
	DefaultMetricsPath      = "/metrics"
)

type UpstreamConfig struct {
	Domain             string `toml:"domain"`
	APIHost            string `toml:"api_host"`
	AgentID            string `toml:"agent_id"`
	SessionKeyPrefix   string `toml:"session_key_prefix"`
	BypassUser         bool   `toml:"bypass_user"`
	FirstSequenceID    int64  `toml:"first_sequence_id"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	TokenTTLMinutes    int    `toml:"token_ttl_minutes"`
	SessionIdleMinutes int    `toml:"session_idle_minutes"`
}

// TokenURL is the OAuth2 client-credentials endpoint of the org.
func (u UpstreamConfig) TokenURL() string {
	return strings.TrimRight(u.Domain, "/") + "/services/oauth2/token"
}

func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

func (u UpstreamConfig) TokenTTL() time.Duration {
	return time.Duration(u.TokenTTLMinutes) * time.Minute
}

func (u UpstreamConfig) SessionIdle() time.Duration {
	return time.Duration(u.SessionIdleMinutes) * time.Minute
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr   string         `toml:"listen_addr"`
	EndpointPath string         `toml:"endpoint_path"`
	LogLevel     string         `toml:"log_level"`
	LogFormat    string         `toml:"log_format"`
	Upstream     UpstreamConfig `toml:"upstream"`
	CORS         CORSConfig     `toml:"cors"`
	Metrics      MetricsConfig  `toml:"metrics"`
	TLS          TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "agentrelay", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "agentrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   DefaultListenAddr,
		EndpointPath: DefaultEndpointPath,
		LogLevel:     "info",
		LogFormat:    "text",
		Upstream: UpstreamConfig{
			Domain:             DefaultDomain,
			APIHost:            DefaultAPIHost,
			AgentID:            DefaultAgentID,
			SessionKeyPrefix:   DefaultSessionKeyPrefix,
			BypassUser:         true,
			FirstSequenceID:    DefaultFirstSequenceID,
			TimeoutSeconds:     DefaultTimeoutSeconds,
			TokenTTLMinutes:    DefaultTokenTTLMinutes,
			SessionIdleMinutes: DefaultSessionIdleMins,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerConfigOrDefault behaves like LoadServerConfig but returns the
// defaults when path does not exist.
func LoadServerConfigOrDefault(path string) (*ServerConfig, bool, error) {
	cfg, err := LoadServerConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = NewDefaultServerConfig()
		cfg.Normalize()
		return cfg, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.EndpointPath = normalizePath(c.EndpointPath, DefaultEndpointPath)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	u := &c.Upstream
	u.Domain = strings.TrimRight(strings.TrimSpace(u.Domain), "/")
	if u.Domain == "" {
		u.Domain = DefaultDomain
	}
	u.APIHost = strings.TrimRight(strings.TrimSpace(u.APIHost), "/")
	if u.APIHost == "" {
		u.APIHost = DefaultAPIHost
	}
	u.AgentID = strings.TrimSpace(u.AgentID)
	if u.AgentID == "" {
		u.AgentID = DefaultAgentID
	}
	u.SessionKeyPrefix = strings.TrimSpace(u.SessionKeyPrefix)
	if u.FirstSequenceID <= 0 {
		u.FirstSequenceID = DefaultFirstSequenceID
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if u.TokenTTLMinutes <= 0 {
		u.TokenTTLMinutes = DefaultTokenTTLMinutes
	}
	if u.SessionIdleMinutes <= 0 {
		u.SessionIdleMinutes = DefaultSessionIdleMins
	}

	origins := make([]string, 0, len(c.CORS.AllowedOrigins))
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.CORS.AllowedOrigins = origins

	c.Metrics.Path = normalizePath(c.Metrics.Path, DefaultMetricsPath)

	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	for name, raw := range map[string]string{"upstream.domain": c.Upstream.Domain, "upstream.api_host": c.Upstream.APIHost} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errors.New("log_level must be one of trace, debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "logfmt", "json":
	default:
		return errors.New("log_format must be one of text, logfmt, json")
	}
	if c.Upstream.TimeoutSeconds > 600 {
		return errors.New("upstream.timeout_seconds must be <= 600")
	}
	if c.Metrics.Enabled && strings.HasPrefix(c.Metrics.Path, c.EndpointPath+"/") {
		return errors.New("metrics.path cannot live under endpoint_path")
	}
	if c.Metrics.Enabled && c.Metrics.Path == c.EndpointPath {
		return errors.New("metrics.path and endpoint_path must differ")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
