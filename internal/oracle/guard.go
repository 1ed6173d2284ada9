// Package oracle gates the single most expensive escalation: a broad
// AI-backed search for a record nothing cheaper could resolve. Every denial
// reason here exists because an approval costs real money and a weakly
// grounded approval invites hallucinated matches.
package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Decision is the guard's verdict.
type Decision string

const (
	Approved Decision = "ORACLE_APPROVED"
	Skipped  Decision = "ORACLE_SKIPPED"
)

// Skip reasons, reported on the Outcome for result assembly.
const (
	ReasonHasCandidate  = "existing_candidate"
	ReasonThinGrounding = "insufficient_grounding"
	ReasonBleeding      = "bleeding"
	ReasonCooldown      = "cooldown"
	ReasonSaturated     = "queue_saturated"
)

// Outcome pairs the decision with the reason it was denied, if it was.
type Outcome struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Conditions is the evidence available when the guard is consulted.
type Conditions struct {
	// BestConfidence is the confidence of the strongest candidate any
	// cheaper stage produced, 0 when none exists.
	BestConfidence float64
	HasIdentifier  bool
	HasName        bool
	HasAddress     bool
	HasPhone       bool
	Bleeding       bool
	QueueDepth     int
}

const (
	cooldownKey    = "oracle:cooldown"
	cooldownWindow = 24 * time.Hour

	// Escalation is pointless once a candidate at or above this confidence
	// exists; the oracle itself cannot do better than oracle-trust.
	confidenceBar = 0.60

	minGroundingSignals = 2

	defaultSaturationDepth = 100
)

// CooldownStore is the remote-cache slice the guard uses: a scored set of
// fingerprints with the escalation time as score. Degraded no-op semantics
// are inherited from the cache layer.
type CooldownStore interface {
	ZAdd(ctx context.Context, key string, score float64, member string)
	ZRangeByScore(ctx context.Context, key string, min, max float64) []string
}

// Option configures the Guard.
type Option func(*Guard)

// WithSaturationDepth overrides the queue-depth denial threshold.
func WithSaturationDepth(n int) Option {
	return func(g *Guard) { g.saturationDepth = n }
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(g *Guard) { g.nowFunc = now }
}

// Guard decides whether a record may escalate to the oracle.
type Guard struct {
	store           CooldownStore
	saturationDepth int
	nowFunc         func() time.Time
}

// New creates a Guard over the given cooldown store.
func New(store CooldownStore, opts ...Option) *Guard {
	g := &Guard{
		store:           store,
		saturationDepth: defaultSaturationDepth,
		nowFunc:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate returns the verdict for one record. Fingerprint is
// content-derived, not the per-run record id, so reruns of the same input
// respect earlier escalations. An approval writes the cooldown before
// returning; a crash between approval and the oracle call costs at most one
// escalation per window.
func (g *Guard) Evaluate(ctx context.Context, fingerprint string, c Conditions) Outcome {
	deny := func(reason string) Outcome {
		zap.L().Debug("oracle: escalation denied",
			zap.String("fingerprint", fingerprint),
			zap.String("reason", reason))
		return Outcome{Decision: Skipped, Reason: reason}
	}

	if c.BestConfidence >= confidenceBar {
		return deny(ReasonHasCandidate)
	}
	if groundingSignals(c) < minGroundingSignals {
		return deny(ReasonThinGrounding)
	}
	if c.Bleeding {
		return deny(ReasonBleeding)
	}
	if c.QueueDepth > g.saturationDepth {
		return deny(ReasonSaturated)
	}
	if g.onCooldown(ctx, fingerprint) {
		return deny(ReasonCooldown)
	}

	now := g.nowFunc()
	g.store.ZAdd(ctx, cooldownKey, float64(now.Unix()), fingerprint)
	zap.L().Info("oracle: escalation approved",
		zap.String("fingerprint", fingerprint))
	return Outcome{Decision: Approved}
}

func (g *Guard) onCooldown(ctx context.Context, fingerprint string) bool {
	now := g.nowFunc()
	cutoff := now.Add(-cooldownWindow).Unix()
	recent := g.store.ZRangeByScore(ctx, cooldownKey,
		float64(cutoff), float64(now.Unix()))
	for _, m := range recent {
		if m == fingerprint {
			return true
		}
	}
	return false
}

func groundingSignals(c Conditions) int {
	n := 0
	for _, present := range []bool{c.HasIdentifier, c.HasName, c.HasAddress, c.HasPhone} {
		if present {
			n++
		}
	}
	return n
}
