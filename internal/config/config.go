// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"bff-gateway/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/bff-gateway/config.toml",
	"configs/config.toml",
}

// DefaultScriptHash is the SHA-256 of the inline bootstrap script shipped
// with the client's page shell.
const DefaultScriptHash = "v8v3RKRPmN4odZ1CWM5gw80QKPCCWMcpNeOmimNL2AA="

// Local handler names a route may reference.
const (
	HandlerHealthz = "healthz"
	HandlerStatus  = "status"
	HandlerUser    = "user"
)

var localHandlers = map[string]bool{
	HandlerHealthz: true,
	HandlerStatus:  true,
	HandlerUser:    true,
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config            string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host              string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port              int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel          string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Development       bool   `kong:"help='Run in development mode (no HSTS).',env='BFF_DEVELOPMENT'"`
	SessionSigningKey string `kong:"help='Session cookie signing key (overrides config).',env='BFF_SESSION_SIGNING_KEY'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server           ServerConfig             `toml:"server" yaml:"server"`
	Environment      EnvironmentConfig        `toml:"environment" yaml:"environment"`
	IdentityProvider IdentityProviderConfig   `toml:"identity_provider" yaml:"identity_provider"`
	Security         SecurityConfig           `toml:"security" yaml:"security"`
	Session          SessionConfig            `toml:"session" yaml:"session"`
	Upstream         UpstreamConfig           `toml:"upstream" yaml:"upstream"`
	Clusters         map[string]ClusterConfig `toml:"clusters" yaml:"clusters" validate:"dive"`
	Policies         []PolicyConfig           `toml:"policies" yaml:"policies" validate:"dive"`
	Routes           []RouteConfig            `toml:"routes" yaml:"routes" validate:"required,min=1,dive"`
	Log              LogConfig                `toml:"log" yaml:"log"`
	Metrics          MetricsConfig            `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port" validate:"gte=0,lte=65535"` // 0 means "use default" (8000)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes" validate:"gte=0"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// EnvironmentConfig selects development or production behaviour.
type EnvironmentConfig struct {
	Development bool `toml:"development" yaml:"development"`
}

// IdentityProviderConfig describes the identity provider the browser signs in with.
type IdentityProviderConfig struct {
	Origin string `toml:"origin" yaml:"origin" validate:"required,url"`
}

// SecurityConfig tunes the response security policy.
type SecurityConfig struct {
	ScriptHash string `toml:"script_hash" yaml:"script_hash" validate:"omitempty,base64"`
}

// SessionConfig holds session cookie and store settings.
type SessionConfig struct {
	CookieName           string             `toml:"cookie_name" yaml:"cookie_name"`
	SigningKey           string             `toml:"signing_key" yaml:"signing_key" validate:"required,min=32"`
	LookupTimeoutSeconds int                `toml:"lookup_timeout_seconds" yaml:"lookup_timeout_seconds" validate:"gte=0"`
	Store                SessionStoreConfig `toml:"store" yaml:"store"`
}

// SessionStoreConfig selects the session store backend.
type SessionStoreConfig struct {
	Driver string `toml:"driver" yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	DSN    string `toml:"dsn" yaml:"dsn" validate:"required_unless=Driver memory"`
}

// UpstreamConfig holds upstream connection settings shared by all clusters.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	IdleConnections int `toml:"idle_connections" yaml:"idle_connections" validate:"gte=0"`
}

// ClusterConfig is a named upstream resource server.
type ClusterConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url" validate:"required,url"`
}

// PolicyConfig is a named authorization policy.
type PolicyConfig struct {
	Name                 string        `toml:"name" yaml:"name" validate:"required"`
	Scheme               string        `toml:"scheme" yaml:"scheme"`
	RequireAuthenticated bool          `toml:"require_authenticated" yaml:"require_authenticated"`
	Claims               []ClaimConfig `toml:"claims" yaml:"claims" validate:"dive"`
}

// ClaimConfig is a claim predicate within a policy.
type ClaimConfig struct {
	Type   string   `toml:"type" yaml:"type" validate:"required"`
	Values []string `toml:"values" yaml:"values"`
}

// RouteConfig is one entry of the ordered route table.
type RouteConfig struct {
	ID          string `toml:"id" yaml:"id" validate:"required"`
	Match       string `toml:"match" yaml:"match" validate:"required,startswith=/"`
	Exact       bool   `toml:"exact" yaml:"exact"`
	Kind        string `toml:"kind" yaml:"kind" validate:"required,oneof=local proxy"`
	Cluster     string `toml:"cluster" yaml:"cluster" validate:"required_if=Kind proxy"`
	Handler     string `toml:"handler" yaml:"handler" validate:"required_if=Kind local"`
	Policy      string `toml:"policy" yaml:"policy"`
	StripPrefix bool   `toml:"strip_prefix" yaml:"strip_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/bff-gateway/config.toml then configs/config.toml. Files ending in
// .yaml or .yml are decoded as YAML, everything else as TOML.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Development {
		c.Environment.Development = true
	}
	if cli.SessionSigningKey != "" {
		c.Session.SigningKey = cli.SessionSigningKey
	}
}

func (c *Config) validate() error {
	if err := newValidator().Struct(c); err != nil {
		return describeValidation(err)
	}

	if err := c.validateOrigin(); err != nil {
		return err
	}
	for name, cl := range c.Clusters {
		u, err := url.Parse(cl.BaseURL)
		if err != nil {
			return fmt.Errorf("clusters.%s.base_url is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" && !c.Environment.Development {
			return fmt.Errorf("clusters.%s.base_url must use HTTPS outside development; got %q", name, cl.BaseURL)
		}
	}

	policies := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if policies[p.Name] {
			return fmt.Errorf("policies: duplicate name %q", p.Name)
		}
		policies[p.Name] = true
	}

	metricsPath := c.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	ids := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if ids[r.ID] {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, r.ID)
		}
		ids[r.ID] = true

		// The metrics endpoint is served outside the route table and would
		// silently win.
		if c.Metrics.Enabled && r.Exact && r.Match == metricsPath {
			return fmt.Errorf("routes[%d] (%s): match %q is taken by the metrics endpoint", i, r.ID, r.Match)
		}

		if r.Policy != "" && !policies[r.Policy] {
			return fmt.Errorf("routes[%d] (%s): unknown policy %q", i, r.ID, r.Policy)
		}
		switch model.RouteKind(r.Kind) {
		case model.RouteProxy:
			if _, ok := c.Clusters[r.Cluster]; !ok {
				return fmt.Errorf("routes[%d] (%s): unknown cluster %q", i, r.ID, r.Cluster)
			}
		case model.RouteLocal:
			if !localHandlers[r.Handler] {
				return fmt.Errorf("routes[%d] (%s): unknown handler %q", i, r.ID, r.Handler)
			}
		}
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}

	return nil
}

// validateOrigin requires identity_provider.origin to be a bare scheme://host[:port].
func (c *Config) validateOrigin() error {
	u, err := url.Parse(c.IdentityProvider.Origin)
	if err != nil {
		return fmt.Errorf("identity_provider.origin is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && !(c.Environment.Development && u.Scheme == "http") {
		return fmt.Errorf("identity_provider.origin must use HTTPS; got %q", c.IdentityProvider.Origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("identity_provider.origin must be an origin without path or query; got %q", c.IdentityProvider.Origin)
	}
	return nil
}

// newValidator reports fields by their config key rather than the Go field name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Security.ScriptHash == "" {
		c.Security.ScriptHash = DefaultScriptHash
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "__Host-bff-session"
	}
	if c.Session.LookupTimeoutSeconds == 0 {
		c.Session.LookupTimeoutSeconds = 5
	}
	if c.Session.Store.Driver == "" {
		c.Session.Store.Driver = "sqlite"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 100
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RouteTable converts the configured routes to model routes, preserving order.
func (c *Config) RouteTable() []model.Route {
	routes := make([]model.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		routes = append(routes, model.Route{
			ID:          r.ID,
			Match:       r.Match,
			Exact:       r.Exact,
			Kind:        model.RouteKind(r.Kind),
			Cluster:     r.Cluster,
			Handler:     r.Handler,
			Policy:      r.Policy,
			StripPrefix: r.StripPrefix,
		})
	}
	return routes
}

// PolicyTable converts the configured policies to model policies keyed by name.
func (c *Config) PolicyTable() map[string]model.Policy {
	policies := make(map[string]model.Policy, len(c.Policies))
	for _, p := range c.Policies {
		mp := model.Policy{
			Name:                 p.Name,
			Scheme:               p.Scheme,
			RequireAuthenticated: p.RequireAuthenticated,
		}
		for _, cl := range p.Claims {
			mp.Claims = append(mp.Claims, model.ClaimRequirement{Type: cl.Type, Values: cl.Values})
		}
		policies[p.Name] = mp
	}
	return policies
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file holds the session signing key.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
