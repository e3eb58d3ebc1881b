// Package consent decides whether a conversation may be shown to the local
// inbox.
package consent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
)

// DefaultConcurrency bounds concurrent consent checks in Filter.
const DefaultConcurrency = 16

// Oracle answers consent questions against the transport's preference store.
type Oracle struct {
	client      transport.Client
	logger      *logger.Logger
	concurrency int
}

// NewOracle creates a consent oracle for client. A concurrency below one
// uses DefaultConcurrency.
func NewOracle(client transport.Client, concurrency int, log *logger.Logger) *Oracle {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Oracle{
		client:      client,
		logger:      logger.OrGlobal(log).Named("consent"),
		concurrency: concurrency,
	}
}

// IsAllowed reports whether conv passes consent. Groups pass unless their
// own state is denied. DMs pass when the peer is unknown or not denied.
// Any other kind passes.
func (o *Oracle) IsAllowed(ctx context.Context, conv transport.Conversation) (bool, error) {
	r := transport.Visit[result](conv, checker{ctx: ctx, prefs: o.client.Preferences()})
	return r.allowed, r.err
}

// Allowed is IsAllowed with failures treated as allowed. Errors are logged
// and counted, never retried. A check abandoned because ctx is done reports
// false: nothing is shown without a verdict.
func (o *Oracle) Allowed(ctx context.Context, conv transport.Conversation) bool {
	allowed, err := o.IsAllowed(ctx, conv)
	if err != nil && ctx.Err() != nil {
		metrics.RecordConsent("cancelled")
		return false
	}
	if err != nil {
		o.logger.Warn("consent check failed, showing conversation",
			zap.String("conversation_id", conv.ID()),
			zap.String("kind", string(conv.Kind())),
			zap.Error(err),
		)
		metrics.RecordConsent("error")
		return true
	}
	if allowed {
		metrics.RecordConsent("allowed")
	} else {
		metrics.RecordConsent("denied")
	}
	return allowed
}

// Filter returns the conversations that pass consent, in input order.
// Checks run concurrently. Callers must discard the result when ctx is done.
func (o *Oracle) Filter(ctx context.Context, convs []transport.Conversation) []transport.Conversation {
	keep := make([]bool, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, conv := range convs {
		i, conv := i, conv
		g.Go(func() error {
			keep[i] = o.Allowed(gctx, conv)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]transport.Conversation, 0, len(convs))
	for i, conv := range convs {
		if keep[i] {
			out = append(out, conv)
		}
	}

	o.logger.Debug("consent filter applied",
		zap.Int("total", len(convs)),
		zap.Int("allowed", len(out)),
		zap.Int("filtered", len(convs)-len(out)),
	)
	return out
}

type result struct {
	allowed bool
	err     error
}

type checker struct {
	ctx   context.Context
	prefs transport.Preferences
}

func (c checker) Group(g transport.Group) result {
	state, err := g.ConsentState(c.ctx)
	if err != nil {
		return result{err: fmt.Errorf("failed to get group consent state: %w", err)}
	}
	return result{allowed: state != model.ConsentDenied}
}

func (c checker) DM(d transport.DM) result {
	peer, err := d.PeerInboxID(c.ctx)
	if err != nil {
		return result{err: fmt.Errorf("failed to get dm peer: %w", err)}
	}
	if peer == "" {
		return result{allowed: true}
	}
	allowed, err := c.prefs.IsAllowed(c.ctx, peer)
	if err != nil {
		return result{err: fmt.Errorf("failed to get inbox consent state: %w", err)}
	}
	return result{allowed: allowed}
}

func (c checker) Other(transport.Conversation) result {
	return result{allowed: true}
}
