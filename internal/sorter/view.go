package sorter

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/conversations"
	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// Source is the collection a View orders. Implemented by
// conversations.Manager.
type Source interface {
	Conversations() []transport.Conversation
	Subscribe(fn func(conversations.Change)) func()
}

// View keeps a sorted copy of a Source, recomputed whenever the source's
// collection changes. Results of superseded computations are discarded.
type View struct {
	source Source
	sorter *Sorter
	clock  clock.Clock
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	gen         uint64
	ordered     []Ranked
	unsubscribe func()

	changes events.Emitter[[]Ranked]
}

// NewView creates a view over source. Call Start to begin tracking it.
func NewView(source Source, sorter *Sorter, clk clock.Clock, log *logger.Logger) *View {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		source: source,
		sorter: sorter,
		clock:  clk,
		logger: logger.OrGlobal(log).Named("view"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the source and computes the first ordering.
func (v *View) Start() {
	unsubscribe := v.source.Subscribe(func(c conversations.Change) {
		if c.Conversations {
			v.recompute()
		}
	})
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()
	v.recompute()
}

func (v *View) recompute() {
	v.mu.Lock()
	v.gen++
	gen := v.gen
	v.mu.Unlock()

	convs := v.source.Conversations()
	go func() {
		ranked := v.sorter.Rank(v.ctx, convs, v.clock.Now())

		v.mu.Lock()
		if gen != v.gen || v.ctx.Err() != nil {
			v.mu.Unlock()
			v.logger.Debug("discarding stale ordering", zap.Uint64("generation", gen))
			return
		}
		v.ordered = ranked
		v.mu.Unlock()

		v.changes.Emit(copyRanked(ranked))
	}()
}

// Ordered returns the latest ordering, newest first.
func (v *View) Ordered() []Ranked {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copyRanked(v.ordered)
}

// Subscribe registers fn for new orderings and returns its unsubscribe func.
func (v *View) Subscribe(fn func([]Ranked)) func() {
	return v.changes.Subscribe(fn)
}

// Close stops tracking the source.
func (v *View) Close() {
	v.mu.Lock()
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.gen++
	v.mu.Unlock()

	v.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func copyRanked(in []Ranked) []Ranked {
	out := make([]Ranked, len(in))
	copy(out, in)
	return out
}
