package retry

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer provides opt-in, per-surface request pacing. It is purely additive:
// a client constructed without one issues requests with no extra delay, so
// attaching a Pacer never changes existing behavior, only adds throttling.
type Pacer struct {
	cdx     *rate.Limiter
	content *rate.Limiter
}

// NewPacer builds a Pacer from independent CDX and content rate limits.
// Either limiter may be nil to leave that surface unpaced.
func NewPacer(cdx, content *rate.Limiter) *Pacer {
	return &Pacer{cdx: cdx, content: content}
}

// Noop returns a Pacer that never delays either surface.
func Noop() *Pacer { return &Pacer{} }

// PaceCDX blocks until the CDX surface's rate limiter admits one request.
// A nil Pacer or nil CDX limiter is a no-op.
func (p *Pacer) PaceCDX(ctx context.Context) error {
	if p == nil || p.cdx == nil {
		return nil
	}
	return p.cdx.Wait(ctx)
}

// PaceContent blocks until the content surface's rate limiter admits one
// request. A nil Pacer or nil content limiter is a no-op.
func (p *Pacer) PaceContent(ctx context.Context) error {
	if p == nil || p.content == nil {
		return nil
	}
	return p.content.Wait(ctx)
}
