// Package browser maintains a small pool of real headless-browser instances
// for rendering pages that defeat plain HTTP fetching. Instances use
// disposable profile directories and are recycled aggressively; a browser
// that errored once is assumed corrupted.
package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/ledger"
)

// NavStatus classifies the outcome of one navigation.
type NavStatus string

const (
	StatusOK        NavStatus = "OK"
	StatusTimeout   NavStatus = "TIMEOUT"
	StatusBlocked   NavStatus = "BLOCKED"
	StatusChallenge NavStatus = "CF_CHALLENGE"
	StatusError     NavStatus = "ERROR"
)

// ErrPoolExhausted is returned when no instance frees up within the
// acquisition timeout.
var ErrPoolExhausted = eris.New("browser: pool exhausted")

// NavResult is the outcome of NavigateSafe.
type NavResult struct {
	Status     NavStatus `json:"status"`
	HTML       string    `json:"html,omitempty"`
	FinalURL   string    `json:"final_url,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	InstanceID string    `json:"instance_id"`
}

// rawResponse is what a navigator returns before classification.
type rawResponse struct {
	statusCode int
	headers    map[string]string
	html       string
	finalURL   string
}

// navigator is one controllable browser instance. The production
// implementation drives a real Chromium via rod; tests substitute fakes.
type navigator interface {
	id() string
	navigate(ctx context.Context, url string) (*rawResponse, error)
	// close attempts a graceful shutdown within the given timeout, falling
	// back to a forced kill and profile wipe.
	close(timeout time.Duration)
}

// slot tracks a live instance and how many requests it has served.
type slot struct {
	nav    navigator
	served int
}

// Config holds the pool tunables.
type Config struct {
	MaxInstances   int
	RequestQuota   int // recycle after this many navigations
	AcquireTimeout time.Duration
	NavTimeout     time.Duration
	CloseTimeout   time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxInstances:   2,
		RequestQuota:   30,
		AcquireTimeout: 20 * time.Second,
		NavTimeout:     25 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// Option configures the Pool.
type Option func(*Pool)

// WithFactory substitutes the instance factory; tests inject fakes.
func WithFactory(f func() (navigator, error)) Option {
	return func(p *Pool) { p.factory = f }
}

// Pool is the browser-instance pool. Safe for concurrent use.
type Pool struct {
	cfg     Config
	ledger  *ledger.Ledger
	factory func() (navigator, error)

	mu        sync.Mutex
	created   int
	destroyed bool
	idle      chan *slot
}

// NewPool creates a pool. Instances are spawned lazily on demand.
func NewPool(cfg Config, led *ledger.Ledger, opts ...Option) *Pool {
	if cfg.MaxInstances < 1 {
		cfg.MaxInstances = 1
	}
	if cfg.RequestQuota < 1 {
		cfg.RequestQuota = 30
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 20 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		ledger:  led,
		factory: newRodNavigator,
		idle:    make(chan *slot, cfg.MaxInstances),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NavigateSafe renders url through a pooled instance and classifies the
// outcome. It never panics the caller; every failure maps to a NavStatus.
func (p *Pool) NavigateSafe(ctx context.Context, url string) (*NavResult, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavTimeout)
	raw, navErr := s.nav.navigate(navCtx, url)
	cancel()
	elapsed := time.Since(start).Milliseconds()

	res := &NavResult{DurationMs: elapsed, InstanceID: s.nav.id()}
	switch {
	case navErr != nil && (errors.Is(navErr, context.DeadlineExceeded) ||
		strings.Contains(navErr.Error(), "context deadline exceeded")):
		res.Status = StatusTimeout
	case navErr != nil:
		res.Status = StatusError
		zap.L().Warn("browser: navigation failed",
			zap.String("url", url),
			zap.String("instance", s.nav.id()),
			zap.Error(navErr))
	default:
		res.Status = classify(raw.statusCode, raw.headers, raw.html)
		res.FinalURL = raw.finalURL
		if res.Status == StatusOK {
			res.HTML = raw.html
		}
	}

	p.ledger.Record(ledger.Entry{
		Module:     "browser",
		Provider:   "browser-pool",
		TaskType:   "render",
		DurationMs: elapsed,
		Success:    res.Status == StatusOK,
		Error:      errorLabel(res.Status),
	})

	p.release(s, res.Status == StatusError)
	return res, nil
}

func errorLabel(s NavStatus) string {
	if s == StatusOK {
		return ""
	}
	return string(s)
}

// acquire reuses an idle instance, spawns below the cap, or waits up to the
// acquisition timeout.
func (p *Pool) acquire(ctx context.Context) (*slot, error) {
	select {
	case s := <-p.idle:
		return s, nil
	default:
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	if p.created < p.cfg.MaxInstances {
		p.created++
		p.mu.Unlock()
		nav, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, eris.Wrap(err, "browser: spawn instance")
		}
		zap.L().Debug("browser: instance spawned", zap.String("instance", nav.id()))
		return &slot{nav: nav}, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case s := <-p.idle:
		return s, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns the slot to the pool or recycles it when it hit the
// request quota or errored.
func (p *Pool) release(s *slot, errored bool) {
	s.served++
	if errored || s.served >= p.cfg.RequestQuota {
		reason := "quota"
		if errored {
			reason = "error"
		}
		zap.L().Debug("browser: recycling instance",
			zap.String("instance", s.nav.id()),
			zap.String("reason", reason),
			zap.Int("served", s.served))
		p.destroySlot(s)
		return
	}

	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		p.destroySlot(s)
		return
	}

	select {
	case p.idle <- s:
	default:
		// Cap shrank under us; drop the extra instance.
		p.destroySlot(s)
	}
}

func (p *Pool) destroySlot(s *slot) {
	s.nav.close(p.cfg.CloseTimeout)
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// DestroyAll tears down every instance and sweeps orphaned profile
// directories. The host process calls this from its shutdown path.
func (p *Pool) DestroyAll() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.nav.close(p.cfg.CloseTimeout)
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
		default:
			sweepOrphanProfiles()
			return
		}
	}
}
