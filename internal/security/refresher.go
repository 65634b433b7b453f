package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "dhan-tracker/internal/errors"
)

// Renewer exchanges a still-valid access token for a fresh one.
type Renewer interface {
	RenewToken(ctx context.Context) (string, error)
}

// TokenSink receives renewed tokens, typically the broker client.
type TokenSink interface {
	SetAccessToken(token string)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// RefreshConfig holds token renewal timing.
type RefreshConfig struct {
	Interval   time.Duration
	Lifetime   time.Duration
	MaxTickGap time.Duration
}

// DefaultRefreshConfig renews a 24h token every 23h.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Interval:   23 * time.Hour,
		Lifetime:   24 * time.Hour,
		MaxTickGap: 30 * time.Minute,
	}
}

// Validate checks that a renewal always lands before the token expires, even
// when a scheduler tick is delayed by up to MaxTickGap.
func (c RefreshConfig) Validate() error {
	if c.Interval <= 0 {
		return apperrors.NewConfigurationError("token.refresh_interval", "must be positive")
	}
	if c.Lifetime <= 0 {
		return apperrors.NewConfigurationError("token.lifetime", "must be positive")
	}
	if c.MaxTickGap < 0 {
		return apperrors.NewConfigurationError("token.max_tick_gap", "must not be negative")
	}
	if c.Interval >= c.Lifetime-c.MaxTickGap {
		return apperrors.NewConfigurationError("token.refresh_interval",
			fmt.Sprintf("%s must be shorter than lifetime %s minus tick gap %s", c.Interval, c.Lifetime, c.MaxTickGap))
	}
	return nil
}

// RefreshStatus describes the last renewal attempt.
type RefreshStatus struct {
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// TokenRefresher renews the broker access token and persists it.
type TokenRefresher struct {
	name     string
	renewer  Renewer
	store    CredentialStore
	sinks    []TokenSink
	alerter  Alerter
	audit    *AuditLogger
	cfg      RefreshConfig
	logger   zerolog.Logger
	now      func() time.Time
	mu       sync.Mutex
	status   RefreshStatus
	inFlight bool
}

// NewTokenRefresher creates a refresher for the named credential.
func NewTokenRefresher(name string, renewer Renewer, store CredentialStore, cfg RefreshConfig, logger zerolog.Logger) *TokenRefresher {
	return &TokenRefresher{
		name:    name,
		renewer: renewer,
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "token_refresher").Logger(),
		now:     time.Now,
	}
}

// WithAlerter sets the operator alert channel.
func (r *TokenRefresher) WithAlerter(a Alerter) *TokenRefresher {
	r.alerter = a
	return r
}

// WithAudit sets the audit log.
func (r *TokenRefresher) WithAudit(a *AuditLogger) *TokenRefresher {
	r.audit = a
	return r
}

// AddSink registers a consumer of renewed tokens.
func (r *TokenRefresher) AddSink(s TokenSink) *TokenRefresher {
	r.sinks = append(r.sinks, s)
	return r
}

// Refresh renews the token once. An expired credential (401) is not retried;
// it is reported to the alerter and returned.
func (r *TokenRefresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return "", fmt.Errorf("token renewal already running")
	}
	r.inFlight = true
	r.status.LastAttempt = r.now()
	r.mu.Unlock()

	token, err := r.renew(ctx)

	r.mu.Lock()
	r.inFlight = false
	if err != nil {
		r.status.LastError = MaskSensitive(err.Error())
	} else {
		r.status.LastError = ""
		r.status.LastSuccess = r.now()
		r.status.ExpiresAt = r.status.LastSuccess.Add(r.cfg.Lifetime)
	}
	r.mu.Unlock()

	_ = r.audit.LogTokenRenewal(ctx, err)
	return token, err
}

func (r *TokenRefresher) renew(ctx context.Context) (string, error) {
	token, err := r.renewer.RenewToken(ctx)
	if err != nil {
		if apperrors.IsAuthError(err) {
			r.logger.Error().Err(err).Msg("Access token expired; manual re-login required")
			r.alert(ctx, "Dhan access token expired",
				"The access token could not be renewed because it has already expired. "+
					"Generate a new token in the broker console and store it with `dhan-tracker token set`.")
			return "", apperrors.Wrap(err, "renewing token")
		}
		r.logger.Warn().Err(err).Msg("Token renewal failed")
		return "", apperrors.Wrap(err, "renewing token")
	}
	if token == "" {
		return "", apperrors.NewBrokerError("EMPTY_TOKEN", "renewal returned no token", 0, nil)
	}

	now := r.now()
	if err := r.store.SetToken(ctx, Token{
		Name:      r.name,
		Value:     token,
		UpdatedAt: now,
		ExpiresAt: now.Add(r.cfg.Lifetime),
	}); err != nil {
		// The renewed token is still usable in-process.
		r.logger.Error().Err(err).Msg("Failed to persist renewed token")
	}
	for _, s := range r.sinks {
		s.SetAccessToken(token)
	}

	r.logger.Info().
		Str("token", MaskSecret(token)).
		Time("expires_at", now.Add(r.cfg.Lifetime)).
		Msg("Access token renewed")
	return token, nil
}

func (r *TokenRefresher) alert(ctx context.Context, subject, body string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, subject, body); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to deliver token alert")
	}
}

// Status returns the last renewal outcome.
func (r *TokenRefresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Interval returns the configured renewal interval.
func (r *TokenRefresher) Interval() time.Duration {
	return r.cfg.Interval
}
