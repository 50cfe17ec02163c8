// Package auth validates user credentials against the external
// credential service. The platform never stores passwords itself;
// the frontend hands every basic-auth pair to a Validator and the
// deployment points it at whatever service owns the accounts.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Validator decides whether a username/token pair is accepted.
type Validator interface {
	Validate(ctx context.Context, username, token string) (bool, error)
}

// ErrUnavailable marks failures of the credential service itself, as
// opposed to a rejected credential. Callers should answer 5xx, not
// 401, when they see it.
var ErrUnavailable = errors.New("auth: credential service unavailable")

const (
	defaultTimeout   = 10 * time.Second
	defaultCacheTTL  = 60 * time.Second
	defaultCacheSize = 1024
)

// Client asks the credential service over HTTP and caches verdicts so
// a burst of requests from the same user costs one round-trip.
// Rejections are cached like approvals; a wrong password cannot be
// used to hammer the service.
type Client struct {
	http  *resty.Client
	cache *expirable.LRU[string, bool]
}

var _ Validator = (*Client)(nil)

type options struct {
	timeout   time.Duration
	cacheTTL  time.Duration
	cacheSize int
}

// Option adjusts optional Client parameters.
type Option func(*options)

// WithTimeout bounds each request to the credential service.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCacheTTL sets how long verdicts stay valid.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithCacheSize caps the number of cached verdicts.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// NewClient builds a validator backed by the credential service at
// endpoint, e.g. "http://127.0.0.1:26516".
func NewClient(endpoint string, opts ...Option) *Client {
	o := options{
		timeout:   defaultTimeout,
		cacheTTL:  defaultCacheTTL,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(o.timeout).
		SetHeader("User-Agent", "netmark-auth-client")
	return &Client{
		http:  client,
		cache: expirable.NewLRU[string, bool](o.cacheSize, nil, o.cacheTTL),
	}
}

type credentials struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Validate reports whether the credential service accepts the pair.
// 200 means yes, 401 and 403 mean no, anything else is a service
// fault and returns ErrUnavailable. Faults are never cached.
func (c *Client) Validate(ctx context.Context, username, token string) (bool, error) {
	key := cacheKey(username, token)
	if verdict, ok := c.cache.Get(key); ok {
		return verdict, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(credentials{Username: username, Token: token}).
		Post("/auth")
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		c.cache.Add(key, true)
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		c.cache.Add(key, false)
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode())
	}
}

// CacheLen returns the number of cached verdicts.
func (c *Client) CacheLen() int { return c.cache.Len() }

// cacheKey hashes the pair so raw secrets never sit in memory longer
// than the request that carried them.
func cacheKey(username, token string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + token))
	return hex.EncodeToString(sum[:])
}

// AllowAll accepts every credential pair. It backs dev deployments
// where no credential service is configured.
type AllowAll struct{}

var _ Validator = AllowAll{}

// Validate always reports true.
func (AllowAll) Validate(context.Context, string, string) (bool, error) {
	return true, nil
}
