// Package sorter orders conversations by most recent activity.
package sorter

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// DefaultConcurrency bounds concurrent last-message lookups.
const DefaultConcurrency = 16

// Ranked is a conversation with its resolved sort time.
type Ranked struct {
	Conversation transport.Conversation
	SortTime     time.Time
}

// Sorter resolves sort times and orders conversations newest first.
type Sorter struct {
	logger      *logger.Logger
	concurrency int
}

// New creates a sorter. A concurrency below one uses DefaultConcurrency.
func New(concurrency int, log *logger.Logger) *Sorter {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Sorter{
		logger:      logger.OrGlobal(log).Named("sorter"),
		concurrency: concurrency,
	}
}

// Rank resolves a sort time for each conversation and returns them newest
// first. Conversations with equal times keep their input order.
func (s *Sorter) Rank(ctx context.Context, convs []transport.Conversation, now time.Time) []Ranked {
	ranked := make([]Ranked, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, conv := range convs {
		i, conv := i, conv
		g.Go(func() error {
			ranked[i] = Ranked{Conversation: conv, SortTime: s.sortTime(gctx, conv, now)}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].SortTime.After(ranked[j].SortTime)
	})
	return ranked
}

// Sort returns convs ordered newest first.
func (s *Sorter) Sort(ctx context.Context, convs []transport.Conversation, now time.Time) []transport.Conversation {
	ranked := s.Rank(ctx, convs, now)
	out := make([]transport.Conversation, len(ranked))
	for i, r := range ranked {
		out[i] = r.Conversation
	}
	return out
}

// sortTime is the last message time, else the creation time, else now.
func (s *Sorter) sortTime(ctx context.Context, conv transport.Conversation, now time.Time) time.Time {
	last, err := conv.LastMessage(ctx)
	if err != nil {
		s.logger.Debug("failed to get last message, using creation time",
			zap.String("conversation_id", conv.ID()),
			zap.Error(err),
		)
		return createdOr(conv, now)
	}
	if last != nil {
		if ms, ok := last.Timestamp(); ok {
			return time.UnixMilli(ms)
		}
	}
	return createdOr(conv, now)
}

func createdOr(conv transport.Conversation, now time.Time) time.Time {
	if created := conv.CreatedAt(); !created.IsZero() {
		return created
	}
	return now
}
