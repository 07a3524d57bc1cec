package auth

import (
	"crypto/subtle"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"mgmtagent/internal/domain"
	"mgmtagent/internal/infra/telemetry"
)

// Authenticator checks a username/password pair against one configured pair.
// The configured pair can be replaced at runtime; each check sees either the
// old or the new pair, never a mix.
type Authenticator struct {
	creds   atomic.Pointer[domain.Credentials]
	metrics domain.Metrics
	logger  *zap.Logger
}

func New(creds domain.Credentials, metrics domain.Metrics, logger *zap.Logger) *Authenticator {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{
		metrics: metrics,
		logger:  logger.Named("auth"),
	}
	a.SetCredentials(creds)
	return a
}

// SetCredentials atomically replaces the configured pair.
func (a *Authenticator) SetCredentials(creds domain.Credentials) {
	copied := creds
	a.creds.Store(&copied)
}

func (a *Authenticator) Username() string {
	return a.creds.Load().Username
}

// Authenticate accepts exactly a two-element []string or [2]string of
// (username, password).
func (a *Authenticator) Authenticate(credentials any) (domain.Principal, error) {
	const op = "auth.Authenticate"

	username, password, err := credentialPair(credentials)
	if err != nil {
		a.metrics.ObserveAuthentication(domain.AuthOutcomeMalformed)
		return domain.Principal{}, domain.E(domain.CodeMalformedCredentials, op, err.Error(), nil)
	}

	want := a.creds.Load()
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(want.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(want.Password)) == 1
	if !userOK || !passOK {
		a.metrics.ObserveAuthentication(domain.AuthOutcomeRejected)
		a.logger.Info("authentication rejected",
			telemetry.EventField(telemetry.EventAuthRejected),
			telemetry.PrincipalField(username),
		)
		return domain.Principal{}, domain.E(domain.CodeAuthenticationFailed, op, "invalid username or password", nil)
	}

	a.metrics.ObserveAuthentication(domain.AuthOutcomeAccepted)
	return domain.Principal{Name: username}, nil
}

func credentialPair(credentials any) (string, string, error) {
	switch v := credentials.(type) {
	case []string:
		if len(v) != 2 {
			return "", "", fmt.Errorf("expected 2 credential elements, got %d", len(v))
		}
		return v[0], v[1], nil
	case [2]string:
		return v[0], v[1], nil
	case nil:
		return "", "", fmt.Errorf("credentials are required")
	default:
		return "", "", fmt.Errorf("unsupported credentials type %T", credentials)
	}
}

var _ domain.Authenticator = (*Authenticator)(nil)
