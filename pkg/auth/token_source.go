package auth

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is deliberately shorter than the ~120 minute lifetime the
// identity provider grants.
const DefaultTokenTTL = 90 * time.Minute

const (
	IssueReasonInitial = "initial"
	IssueReasonExpired = "expired"
	IssueReasonForced  = "forced"
)

type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

type Issuer interface {
	Issue(ctx context.Context) (string, error)
}

// TokenSource caches a single bearer credential. Concurrent callers that find
// the cache empty or stale share one issuance.
type TokenSource struct {
	issuer  Issuer
	ttl     time.Duration
	now     func() time.Time
	onIssue func(reason string)

	mu    sync.RWMutex
	cur   *Credential
	group singleflight.Group
}

type Option func(*TokenSource)

func WithTTL(ttl time.Duration) Option {
	return func(s *TokenSource) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssueHook registers a callback invoked after every successful issuance.
func WithIssueHook(fn func(reason string)) Option {
	return func(s *TokenSource) { s.onIssue = fn }
}

func NewTokenSource(issuer Issuer, opts ...Option) *TokenSource {
	s := &TokenSource{
		issuer: issuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Token returns the cached credential while it is valid and issues a new one
// otherwise.
func (s *TokenSource) Token(ctx context.Context) (Credential, error) {
	if c, ok := s.cached(); ok {
		log.Debug("using cached access token")
		return c, nil
	}
	v, err, _ := s.group.Do("token", func() (any, error) {
		if c, ok := s.cached(); ok {
			return c, nil
		}
		reason := IssueReasonExpired
		s.mu.RLock()
		if s.cur == nil {
			reason = IssueReasonInitial
		}
		s.mu.RUnlock()
		return s.issue(ctx, reason)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Refresh always issues a new credential, ignoring the cache. Callers use it
// after the upstream rejected the cached token.
func (s *TokenSource) Refresh(ctx context.Context) (Credential, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.issue(ctx, IssueReasonForced)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (s *TokenSource) cached() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil || !s.cur.Valid(s.now()) {
		return Credential{}, false
	}
	return *s.cur, true
}

func (s *TokenSource) issue(ctx context.Context, reason string) (Credential, error) {
	// A shared issuance must not fail for every waiter because the first
	// caller went away.
	ctx = context.WithoutCancel(ctx)
	log.Info("fetching access token", "reason", reason)
	token, err := s.issuer.Issue(ctx)
	if err != nil {
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		log.Error("access token request failed", "reason", reason, "err", err)
		return Credential{}, err
	}
	c := &Credential{Token: token, ExpiresAt: s.now().Add(s.ttl)}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	if s.onIssue != nil {
		s.onIssue(reason)
	}
	log.Info("access token obtained", "reason", reason, "expires_at", c.ExpiresAt.UTC().Format(time.RFC3339))
	return *c, nil
}
