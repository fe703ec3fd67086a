// Package robots answers whether a URL may be fetched according to the
// target site's robots.txt.
package robots

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/backoff"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/net/origins"
)

const (
	// DefaultTTL is how long a fetched robots.txt is trusted.
	DefaultTTL = 10 * time.Minute
	// DefaultTimeout bounds a single robots.txt fetch.
	DefaultTimeout = 5 * time.Second

	maxRobotsBytes = 512 * 1024
)

// Rules are the Allow and Disallow prefixes of the "User-agent: *" group.
type Rules struct {
	Allow    []string
	Disallow []string
}

// Allowed applies longest-prefix matching. A path matched by no Disallow
// rule is allowed; on a tie Allow wins.
func (r Rules) Allowed(path string) bool {
	if path == "" {
		path = "/"
	}
	d := longestPrefix(r.Disallow, path)
	if d < 0 {
		return true
	}
	return longestPrefix(r.Allow, path) >= d
}

func longestPrefix(patterns []string, path string) int {
	best := -1
	for _, p := range patterns {
		if strings.HasPrefix(path, p) && len(p) > best {
			best = len(p)
		}
	}
	return best
}

// Parse reads robots.txt content and keeps the rules of the first group
// naming the wildcard agent. Empty Disallow values allow everything and are
// dropped.
func Parse(r io.Reader) Rules {
	type group struct {
		agents []string
		rules  Rules
	}
	var (
		groups  []group
		current group
		inRules bool
	)
	flush := func() {
		if len(current.agents) > 0 || len(current.rules.Allow) > 0 || len(current.rules.Disallow) > 0 {
			groups = append(groups, current)
		}
		current = group{}
		inRules = false
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "user-agent":
			// Consecutive User-agent lines share one group.
			if inRules {
				flush()
			}
			current.agents = append(current.agents, strings.ToLower(val))
		case "allow":
			inRules = true
			if val != "" {
				current.rules.Allow = append(current.rules.Allow, val)
			}
		case "disallow":
			inRules = true
			if val != "" {
				current.rules.Disallow = append(current.rules.Disallow, val)
			}
		}
	}
	flush()

	for _, g := range groups {
		for _, a := range g.agents {
			if a == "*" {
				return g.rules
			}
		}
	}
	return Rules{}
}

type entry struct {
	fetchedAt time.Time
	rules     Rules
}

// Checker fetches and caches robots.txt per scheme and host.
type Checker struct {
	client    *http.Client
	ttl       time.Duration
	userAgent string
	retry     backoff.Policy
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient replaces the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) {
		if c != nil {
			ch.client = c
		}
	}
}

// WithTimeout bounds each robots.txt fetch. It applies to the client in
// place, so pass it after WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(ch *Checker) {
		if d > 0 {
			ch.client.Timeout = d
		}
	}
}

// WithTTL sets the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(ch *Checker) {
		if ttl > 0 {
			ch.ttl = ttl
		}
	}
}

// WithUserAgent sets the User-Agent header sent with fetches.
func WithUserAgent(ua string) Option {
	return func(ch *Checker) { ch.userAgent = ua }
}

// WithRetry sets the retry policy for transient fetch failures.
func WithRetry(p backoff.Policy) Option {
	return func(ch *Checker) { ch.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Checker) {
		if l != nil {
			ch.logger = l
		}
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(ch *Checker) { ch.now = now }
}

// NewChecker creates a Checker. The default client times out after five
// seconds and follows at most one redirect.
func NewChecker(opts ...Option) *Checker {
	retry := backoff.DefaultPolicy()
	retry.Attempts = 2
	c := &Checker{
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		ttl:       DefaultTTL,
		userAgent: "mcpbridge",
		retry:     retry,
		now:       time.Now,
		logger:    slog.Default(),
		cache:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allowed reports whether rawURL may be fetched. Unparseable URLs and
// fetch failures are treated as allowed.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return true
	}
	rules := c.rulesFor(ctx, u.Scheme, u.Host)
	return rules.Allowed(u.EscapedPath())
}

// CheckArgs checks every URL in a tool call's url and urls arguments and
// returns a robots denial for the first disallowed one.
func (c *Checker) CheckArgs(ctx context.Context, args map[string]any) error {
	for _, raw := range origins.URLsFromArgs(args) {
		if !c.Allowed(ctx, raw) {
			return guardrails.NewRobotsDenial(raw)
		}
	}
	return nil
}

// Purge drops every cached entry.
func (c *Checker) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]entry)
}

// OnPolicyChange purges the cache when robots checks are switched back on,
// so rules cached before they were disabled are fetched again. It matches
// guardrails.ChangeFunc.
func (c *Checker) OnPolicyChange(prev, next guardrails.Policy, _ string) {
	if next.RespectRobotsTxt && !prev.RespectRobotsTxt {
		c.Purge()
		c.logger.Debug("robots cache purged", "reason", "checks enabled")
	}
}

func (c *Checker) rulesFor(ctx context.Context, scheme, host string) Rules {
	key := scheme + "://" + strings.ToLower(host)
	now := c.now()

	c.mu.Lock()
	e, ok := c.cache[key]
	c.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) <= c.ttl {
		return e.rules
	}

	rules, err := c.fetch(ctx, key+"/robots.txt")
	if err != nil {
		c.logger.Debug("robots.txt unavailable, allowing", "host", host, "error", err)
	}

	c.mu.Lock()
	c.cache[key] = entry{fetchedAt: now, rules: rules}
	c.mu.Unlock()
	return rules
}

var errServer = errors.New("robots.txt server error")

func (c *Checker) fetch(ctx context.Context, robotsURL string) (Rules, error) {
	return backoff.Retry(ctx, c.retry, func(ctx context.Context, _ int) (Rules, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return Rules{}, backoff.Permanent(err)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return Rules{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return Rules{}, fmt.Errorf("%w: %s", errServer, resp.Status)
		case resp.StatusCode >= 300:
			// Missing robots.txt, or a redirect chain we would not follow.
			return Rules{}, nil
		}
		return Parse(io.LimitReader(resp.Body, maxRobotsBytes)), nil
	})
}
