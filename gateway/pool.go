package gateway

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

const (
	refreshThreshold = 120 * time.Second
	refreshTimeout   = 10 * time.Second
	minExpirySeconds = 60
	maxExpirySeconds = 3600

	// defaultCooldownFloorSeconds is the minimum 429/503 cooldown applied
	// when a Pool has not been given an explicit override.
	defaultCooldownFloorSeconds = 30
)

// Pool is the Credential Pool: a bounded, ordered collection of
// Credentials, size fixed at construction. Concurrent readers select
// credentials; writers are the refresh, cooldown, disable, and counter
// operations on individual credentials. A pool-level read lock guards the
// credential list during selection; per-credential mutation holds a
// per-credential lock, so operations on distinct credentials proceed
// without mutual exclusion.
type Pool struct {
	mu          sync.RWMutex
	credentials []*Credential

	refreshURL string
	httpClient *http.Client
	logger     Logger

	// CooldownFloorSec overrides the minimum cooldown applied to a parsed
	// 429/503 retry-after value; see Config.CooldownFloorSec.
	CooldownFloorSec int

	stopSweep chan struct{}
}

// NewPool materializes n credentials with mock bearer/refresh values and
// expiries uniformly random in [60s, 3600s] from now, no cooldowns, not
// disabled, zero counters.
func NewPool(n int, refreshURL string, logger Logger) *Pool {
	if logger == nil {
		logger = NoopLogger{}
	}
	p := &Pool{
		refreshURL:       refreshURL,
		httpClient:       &http.Client{Timeout: refreshTimeout},
		logger:           logger,
		CooldownFloorSec: defaultCooldownFloorSeconds,
		stopSweep:        make(chan struct{}),
	}
	now := time.Now()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("cred_%04d", i)
		expiry := now.Add(time.Duration(minExpirySeconds+rand.Intn(maxExpirySeconds-minExpirySeconds+1)) * time.Second)
		p.credentials = append(p.credentials, &Credential{
			ID:          id,
			BearerToken: "mock-bearer-" + id,
			RefreshToken: "mock-refresh-" + id,
			Expiry:      expiry,
			Cooldowns:   map[string]time.Time{},
		})
	}
	return p
}

// StartBackgroundRefresh launches the optional pre-refresh sweep goroutine
// described in SPEC_FULL.md 4.3: every interval, proactively refresh any
// non-disabled credential within the refresh threshold of expiry. This
// does not change acquire()'s externally observable contract; it only
// reduces how often acquire() pays the refresh latency synchronously.
func (p *Pool) StartBackgroundRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopSweep:
				return
			case <-ticker.C:
				p.sweepRefresh(ctx)
			}
		}
	}()
}

// Stop halts the background sweep, if running.
func (p *Pool) Stop() {
	select {
	case <-p.stopSweep:
	default:
		close(p.stopSweep)
	}
}

func (p *Pool) sweepRefresh(ctx context.Context) {
	p.mu.RLock()
	creds := make([]*Credential, len(p.credentials))
	copy(creds, p.credentials)
	p.mu.RUnlock()

	now := time.Now()
	for _, c := range creds {
		if c.needsRefresh(now, refreshThreshold) {
			if err := p.refresh(ctx, c); err != nil {
				p.logger.Warn(ctx, "background credential refresh failed", F("credential", c.ID), F("error", err.Error()))
			}
		}
	}
}

// Acquire returns a credential eligible for model, or ErrNoCredential when
// none are eligible. On success the chosen credential's call counter is
// incremented and, if its expiry is within the refresh threshold, it is
// refreshed synchronously before being returned.
func (p *Pool) Acquire(ctx context.Context, model string) (*Credential, error) {
	return p.acquire(ctx, model, "")
}

// AcquireExcluding is Acquire but additionally excludes excludeID from
// selection.
func (p *Pool) AcquireExcluding(ctx context.Context, model, excludeID string) (*Credential, error) {
	return p.acquire(ctx, model, excludeID)
}

func (p *Pool) acquire(ctx context.Context, model, excludeID string) (*Credential, error) {
	p.mu.RLock()
	now := time.Now()
	var eligible []*Credential
	for _, c := range p.credentials {
		if c.ID == excludeID {
			continue
		}
		if c.eligibleFor(model, now) {
			eligible = append(eligible, c)
		}
	}
	p.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, ErrNoCredential
	}

	chosen := eligible[rand.Intn(len(eligible))]

	if chosen.needsRefresh(time.Now(), refreshThreshold) {
		if err := p.refresh(ctx, chosen); err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
	}

	chosen.incrementCalls()
	return chosen, nil
}

// RecordError increments cred's error counter and applies the cooldown or
// disablement rule for status.
func (p *Pool) RecordError(cred *Credential, status int, model string, cooldownSeconds int) {
	floor := p.CooldownFloorSec
	if floor <= 0 {
		floor = defaultCooldownFloorSeconds
	}
	cred.recordError(status, model, cooldownSeconds, floor)
}

// refresh POSTs to the refresh URL with no body. A successful response
// adopts any new bearer token and extends expiry by expires_in seconds.
// Status in {400, 401, 403} disables the credential permanently and fails
// with ErrPermanentRefresh; any other non-success status, or a network
// error, fails with ErrTemporaryRefresh.
func (p *Pool) refresh(ctx context.Context, cred *Credential) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTemporaryRefresh, err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTemporaryRefresh, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var tok TokenResponse
		if err := decodeJSON(resp.Body, &tok); err != nil {
			return fmt.Errorf("%w: %v", ErrTemporaryRefresh, err)
		}
		cred.mu.Lock()
		if tok.AccessToken != "" {
			cred.BearerToken = tok.AccessToken
		}
		cred.Expiry = cred.Expiry.Add(time.Duration(tok.ExpiresIn) * time.Second)
		cred.mu.Unlock()
		return nil
	}

	switch resp.StatusCode {
	case 400, 401, 403:
		cred.mu.Lock()
		cred.Disabled = true
		cred.mu.Unlock()
		return ErrPermanentRefresh
	default:
		return ErrTemporaryRefresh
	}
}

// Stats returns a snapshot list, one entry per credential.
func (p *Pool) Stats() []CredentialStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CredentialStats, 0, len(p.credentials))
	for _, c := range p.credentials {
		out = append(out, c.snapshot())
	}
	return out
}
