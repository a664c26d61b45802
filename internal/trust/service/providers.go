package service

import (
	"context"

	"github.com/broadvale/trustcore/internal/trust/domain"
)

// CodeSender delivers a short-lived code or alert out of band. Delivery
// transport (email, SMS) lives outside the core; code generation and expiry
// stay inside.
type CodeSender interface {
	Send(ctx context.Context, recipient, message string) error
}

// GeoIP resolves a source network to a coarse location and reputation. The
// provider is optional: when absent or failing, geo-derived risk factors are
// simply omitted.
type GeoIP interface {
	Lookup(ctx context.Context, network string) (GeoInfo, error)
}

// GeoInfo is the coarse result of a network lookup.
type GeoInfo struct {
	Location   domain.Location
	Reputation int // 0 = clean, higher = worse
}

// AnchorSink receives sealed batch roots for external anchoring. Optional.
type AnchorSink interface {
	Anchor(ctx context.Context, seal domain.AuditSeal) error
}

// NoopSender discards messages. Useful in tests and in deployments that
// handle notification fan-out elsewhere.
type NoopSender struct{}

func (NoopSender) Send(ctx context.Context, recipient, message string) error { return nil }

// NoopAnchor discards seals.
type NoopAnchor struct{}

func (NoopAnchor) Anchor(ctx context.Context, seal domain.AuditSeal) error { return nil }

var (
	_ CodeSender = NoopSender{}
	_ AnchorSink = NoopAnchor{}
)
