package config

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

// Agent argument keys.
const (
	ArgPort         = "port"
	ArgDataPort     = "dataPort"
	ArgHost         = "host"
	ArgBind         = "bind"
	ArgUser         = "user"
	ArgPassword     = "password"
	ArgTLS          = "tls"
	ArgPolicy       = "policy"
	ArgName         = "name"
	ArgAutoShutdown = "autoShutdown"
)

// ParseAgentArgs splits "k=v,k=v". A backslash escapes the next character,
// so values may contain ',' or '='. Any element that is not exactly one
// key=value pair resets the port to the default.
func ParseAgentArgs(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, arg := range splitEscaped(raw, ',', true) {
		prop := splitEscaped(arg, '=', false)
		if len(prop) != 2 {
			out[ArgPort] = strconv.Itoa(domain.DefaultRegistryPort)
			continue
		}
		out[prop[0]] = prop[1]
	}
	return out
}

// splitEscaped splits s on unescaped sep. With keep set, escape sequences
// are left in place for a later split.
func splitEscaped(s string, sep rune, keep bool) []string {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			if keep {
				current.WriteRune(r)
			}
		case r == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped && !keep {
		current.WriteRune('\\')
	}
	return append(parts, current.String())
}

// ApplyAgentArgs overlays parsed agent arguments on cfg. An unparsable port
// falls back to the default, matching how the agent has always behaved.
func ApplyAgentArgs(cfg domain.EndpointConfig, args map[string]string, logger *zap.Logger) (domain.EndpointConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for key, value := range args {
		switch key {
		case ArgPort:
			port, err := strconv.Atoi(value)
			if err != nil {
				logger.Warn("invalid agent port, using default", zap.String("value", value), zap.Int("default", domain.DefaultRegistryPort))
				port = domain.DefaultRegistryPort
			}
			cfg.RegistryPort = port
		case ArgDataPort:
			port, err := strconv.Atoi(value)
			if err != nil {
				return cfg, domain.E(domain.CodeInvalidArgument, "config.ApplyAgentArgs", "dataPort must be an integer", err)
			}
			cfg.DataPort = port
		case ArgHost:
			cfg.PublicHostName = value
		case ArgBind:
			cfg.BindAddress = value
		case ArgTLS:
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return cfg, domain.E(domain.CodeInvalidArgument, "config.ApplyAgentArgs", "tls must be a boolean", err)
			}
			cfg.TLS.Enabled = enabled
		case ArgPolicy:
			cfg.RegistryPolicy = domain.RegistryPolicy(strings.ToLower(value))
		case ArgName:
			cfg.EndpointName = value
		case ArgAutoShutdown:
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return cfg, domain.E(domain.CodeInvalidArgument, "config.ApplyAgentArgs", "autoShutdown must be a boolean", err)
			}
			cfg.AutoShutdown = enabled
		case ArgUser, ArgPassword:
		default:
			logger.Warn("unknown agent argument", zap.String("key", key))
		}
	}

	// Credentials apply only as a complete pair.
	user, hasUser := args[ArgUser]
	password, hasPassword := args[ArgPassword]
	if hasUser && hasPassword {
		cfg.Credentials = &domain.Credentials{Username: user, Password: password}
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
