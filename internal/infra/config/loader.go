package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

type Loader struct {
	logger *zap.Logger
	lookup func(string) (string, bool)
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config"), lookup: os.LookupEnv}
}

func newEndpointViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setEndpointDefaults(v)
	return v
}

func setEndpointDefaults(v *viper.Viper) {
	v.SetDefault("registryPort", domain.DefaultRegistryPort)
	v.SetDefault("dataPort", 0)
	v.SetDefault("endpointName", domain.DefaultEndpointName)
	v.SetDefault("registryPolicy", string(domain.DefaultRegistryPolicy))
	v.SetDefault("autoShutdown", false)
	v.SetDefault("shutdownPollInterval", "0s")
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", false)
	v.SetDefault("observability.healthz", false)
}

type rawEndpointConfig struct {
	RegistryPort         int                    `mapstructure:"registryPort"`
	DataPort             int                    `mapstructure:"dataPort"`
	BindAddress          string                 `mapstructure:"bindAddress"`
	PublicHostName       string                 `mapstructure:"publicHostName"`
	Username             string                 `mapstructure:"username"`
	Password             string                 `mapstructure:"password"`
	PasswordFile         string                 `mapstructure:"passwordFile"`
	TLSEnabled           bool                   `mapstructure:"tlsEnabled"`
	TLS                  rawTLSConfig           `mapstructure:"tls"`
	EndpointName         string                 `mapstructure:"endpointName"`
	RegistryPolicy       string                 `mapstructure:"registryPolicy"`
	AutoShutdown         bool                   `mapstructure:"autoShutdown"`
	ShutdownPollInterval time.Duration          `mapstructure:"shutdownPollInterval"`
	IgnoreUnits          []string               `mapstructure:"ignoreUnits"`
	JournalPath          string                 `mapstructure:"journalPath"`
	Observability        rawObservabilityConfig `mapstructure:"observability"`
}

type rawTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
	CAFile             string `mapstructure:"caFile"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() domain.EndpointConfig {
	cfg, _ := decodeAndNormalize("")
	return cfg
}

// Load reads an endpoint config file. An empty path yields the defaults.
func (l *Loader) Load(ctx context.Context, path string) (domain.EndpointConfig, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), ctx.Err()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.EndpointConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := l.LoadBytes(data)
	if err != nil {
		return domain.EndpointConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, ctx.Err()
}

// LoadBytes decodes a YAML document after ${ENV} expansion.
func (l *Loader) LoadBytes(data []byte) (domain.EndpointConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Defaults(), nil
	}
	expanded, missing, err := newEnvExpander(l.lookup).expand(data)
	if err != nil {
		return domain.EndpointConfig{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config", zap.Strings("missing", missing))
	}
	return decodeAndNormalize(expanded)
}

func decodeAndNormalize(expanded string) (domain.EndpointConfig, error) {
	v := newEndpointViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.EndpointConfig{}, fmt.Errorf("parse config: %w", err)
	}
	var raw rawEndpointConfig
	if err := v.Unmarshal(&raw); err != nil {
		return domain.EndpointConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg := normalize(raw)
	if err := Validate(cfg); err != nil {
		return domain.EndpointConfig{}, err
	}
	return cfg, nil
}

func normalize(raw rawEndpointConfig) domain.EndpointConfig {
	cfg := domain.EndpointConfig{
		BindAddress:          strings.TrimSpace(raw.BindAddress),
		RegistryPort:         raw.RegistryPort,
		DataPort:             raw.DataPort,
		PublicHostName:       strings.TrimSpace(raw.PublicHostName),
		PasswordFile:         strings.TrimSpace(raw.PasswordFile),
		EndpointName:         strings.TrimSpace(raw.EndpointName),
		RegistryPolicy:       domain.RegistryPolicy(strings.ToLower(strings.TrimSpace(raw.RegistryPolicy))),
		AutoShutdown:         raw.AutoShutdown,
		ShutdownPollInterval: raw.ShutdownPollInterval,
		JournalPath:          strings.TrimSpace(raw.JournalPath),
		TLS: domain.TLSConfig{
			Enabled:            raw.TLSEnabled || raw.TLS.Enabled,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		},
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress),
			Metrics:       raw.Observability.Metrics,
			Healthz:       raw.Observability.Healthz,
		},
	}
	if raw.Username != "" || raw.Password != "" {
		cfg.Credentials = &domain.Credentials{Username: raw.Username, Password: raw.Password}
	}
	for _, pattern := range raw.IgnoreUnits {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			cfg.IgnoreUnits = append(cfg.IgnoreUnits, trimmed)
		}
	}
	if cfg.EndpointName == "" {
		cfg.EndpointName = domain.DefaultEndpointName
	}
	if cfg.RegistryPolicy == "" {
		cfg.RegistryPolicy = domain.DefaultRegistryPolicy
	}
	return cfg
}

// Validate reports every problem in cfg at once.
func Validate(cfg domain.EndpointConfig) error {
	var errs []string
	if cfg.RegistryPort <= 0 || cfg.RegistryPort > 65535 {
		errs = append(errs, fmt.Sprintf("registryPort must be between 1 and 65535, got %d", cfg.RegistryPort))
	}
	if cfg.DataPort < 0 || cfg.DataPort > 65535 {
		errs = append(errs, fmt.Sprintf("dataPort must be between 0 and 65535, got %d", cfg.DataPort))
	}
	if cfg.BindAddress != "" && net.ParseIP(cfg.BindAddress) == nil {
		errs = append(errs, fmt.Sprintf("bindAddress %q is not an IP address", cfg.BindAddress))
	}
	if strings.ContainsAny(cfg.PublicHostName, "/ ") {
		errs = append(errs, fmt.Sprintf("publicHostName %q must not contain '/' or spaces", cfg.PublicHostName))
	}
	if c := cfg.Credentials; c != nil {
		if c.Username == "" || c.Password == "" {
			errs = append(errs, "username and password must be set together")
		}
		if cfg.PasswordFile != "" {
			errs = append(errs, "passwordFile cannot be combined with username/password")
		}
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs = append(errs, "tls.certFile and tls.keyFile must be set together")
	}
	switch cfg.RegistryPolicy {
	case domain.RegistryPolicyProbe, domain.RegistryPolicyCreate:
	default:
		errs = append(errs, fmt.Sprintf("registryPolicy must be %q or %q, got %q",
			domain.RegistryPolicyProbe, domain.RegistryPolicyCreate, cfg.RegistryPolicy))
	}
	if cfg.EndpointName == "" || strings.ContainsAny(cfg.EndpointName, "/ ") {
		errs = append(errs, fmt.Sprintf("endpointName %q must be non-empty without '/' or spaces", cfg.EndpointName))
	}
	if cfg.ShutdownPollInterval < 0 {
		errs = append(errs, "shutdownPollInterval must not be negative")
	}
	if len(errs) > 0 {
		return domain.E(domain.CodeInvalidArgument, "config.Validate", "", errors.New(strings.Join(errs, "; ")))
	}
	return nil
}
