package meta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// expiryMargin treats a credential as expired this long before its
	// stated expiry so an in-flight request never carries a token the
	// platform is about to reject.
	expiryMargin = 5 * time.Minute

	// renewPollInterval is how often a caller waiting on someone else's
	// renewal re-checks the in-progress flag.
	renewPollInterval = 100 * time.Millisecond

	// maxTimerDelay clamps the renewal timer. Timers far beyond this
	// (runtime limit is about 24.8 days expressed in milliseconds on some
	// platforms) risk silently never firing.
	maxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond

	minTimerDelay = time.Minute
)

// TokenManager owns the current Graph API credential and keeps it fresh.
// Renewal is serialized through an in-progress flag: concurrent readers
// observing a renewal poll until it completes instead of issuing a second
// upstream call, which on Meta's side can invalidate the first token.
type TokenManager struct {
	source  TokenSource
	logger  *slog.Logger
	now     func() time.Time
	pollGap time.Duration

	mu         sync.Mutex
	cred       Credential
	refreshing bool
	timer      *time.Timer
}

// NewTokenManager creates a manager that issues and renews tokens through
// the given source.
func NewTokenManager(log *slog.Logger, source TokenSource) *TokenManager {
	if log == nil {
		log = slog.Default()
	}
	return &TokenManager{
		source:  source,
		logger:  log.With(slog.String("service", "token_manager")),
		now:     time.Now,
		pollGap: renewPollInterval,
	}
}

// NewStaticTokenManager creates a manager that serves a fixed token and
// never renews. Used when a long-lived access token is configured directly.
func NewStaticTokenManager(log *slog.Logger, token string) *TokenManager {
	m := NewTokenManager(log, nil)
	m.cred = Credential{Token: token, IssuedAt: m.now()}
	return m
}

// Initialize performs the first issuance so the process fails fast on bad
// app credentials. No-op in static mode.
func (m *TokenManager) Initialize(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	_, err := m.CurrentToken(ctx)
	return err
}

// CurrentToken returns a token valid for at least the expiry margin,
// renewing first when needed. It fails only when the manager holds no valid
// token and the upstream issuance call fails.
func (m *TokenManager) CurrentToken(ctx context.Context) (string, error) {
	if m.source == nil {
		return m.cred.Token, nil
	}
	for {
		m.mu.Lock()
		if m.validLocked() {
			token := m.cred.Token
			m.mu.Unlock()
			return token, nil
		}
		if !m.refreshing {
			m.refreshing = true
			m.mu.Unlock()
			cred, err := m.renew(ctx)
			if err != nil {
				return "", err
			}
			return cred.Token, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.pollGap):
		}
	}
}

// Close stops the renewal timer.
func (m *TokenManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *TokenManager) validLocked() bool {
	if m.cred.Token == "" {
		return false
	}
	return m.now().Before(m.cred.ExpiresAt.Add(-expiryMargin))
}

// renew issues a fresh credential. The caller must have set the refreshing
// flag; renew clears it in every outcome. On success the renewal timer is
// rearmed; on failure it is not, so the next read retries instead of a
// background timer hammering the issuer.
func (m *TokenManager) renew(ctx context.Context) (Credential, error) {
	cred, err := m.source.Issue(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshing = false
	if err != nil {
		m.logger.Error("token renewal failed", slog.Any("error", err))
		return Credential{}, fmt.Errorf("renew token: %w", err)
	}
	m.cred = cred
	m.armTimerLocked(cred)
	return cred, nil
}

func (m *TokenManager) armTimerLocked(cred Credential) {
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := renewalDelay(cred, m.now())
	m.timer = time.AfterFunc(delay, m.renewFromTimer)
	m.logger.Info("token renewed",
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Duration("next_renewal_in", delay))
}

// renewalDelay computes when the background renewal should fire: the expiry
// margin ahead of the credential's expiry, clamped to the platform timer
// limits.
func renewalDelay(cred Credential, now time.Time) time.Duration {
	delay := cred.ExpiresAt.Sub(now) - expiryMargin
	if delay > maxTimerDelay {
		return maxTimerDelay
	}
	if delay < minTimerDelay {
		return minTimerDelay
	}
	return delay
}

func (m *TokenManager) renewFromTimer() {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.mu.Unlock()

	if _, err := m.renew(context.Background()); err != nil {
		m.logger.Error("scheduled token renewal failed, next read will retry", slog.Any("error", err))
	}
}
