// Package service provides the inbox engine used by the HTTP adapter: the
// conversation set, its ordering, the selected transcript and mutations.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/consent"
	"github.com/capitalize-ai/agent-inbox/internal/conversations"
	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/gateway"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/reconciler"
	"github.com/capitalize-ai/agent-inbox/internal/sorter"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// Options configures an Inbox.
type Options struct {
	ReplyTimeout       time.Duration
	ConsentConcurrency int
	DefaultGroupName   string
	Clock              clock.Clock
}

// Inbox owns one transport client and every engine component built on it.
type Inbox struct {
	client     transport.Client
	oracle     *consent.Oracle
	manager    *conversations.Manager
	view       *sorter.View
	gateway    *gateway.Gateway
	reconciler *reconciler.Reconciler
	clock      clock.Clock
	logger     *logger.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	unsubs  []func()

	changes events.Emitter[model.InboxEvent]
}

// New wires an inbox around client. Call Start to load conversations.
func New(client transport.Client, opts Options, log *logger.Logger) *Inbox {
	log = logger.OrGlobal(log).With(zap.String("inbox_id", client.InboxID()))
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	oracle := consent.NewOracle(client, opts.ConsentConcurrency, log)
	manager := conversations.NewManager(client, oracle, log)
	gw := gateway.New(client, opts.DefaultGroupName, log)

	return &Inbox{
		client:  client,
		oracle:  oracle,
		manager: manager,
		view:    sorter.NewView(manager, sorter.New(opts.ConsentConcurrency, log), opts.Clock, log),
		gateway: gw,
		reconciler: reconciler.New(client.InboxID(), manager, gw, reconciler.Options{
			ReplyTimeout: opts.ReplyTimeout,
			Clock:        opts.Clock,
		}, log),
		clock:  opts.Clock,
		logger: log.Named("inbox"),
	}
}

// Start subscribes the components to each other and loads the conversation
// set. It may be called again after a failed load.
func (i *Inbox) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return inboxerrors.ErrClosed
	}
	first := !i.started
	i.started = true
	i.mu.Unlock()

	if first {
		i.wire()
	}
	if err := i.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inbox: %w", err)
	}
	return nil
}

func (i *Inbox) wire() {
	unsubs := []func(){
		i.view.Subscribe(func([]sorter.Ranked) {
			i.publish(model.InboxEvent{Type: model.EventConversations})
		}),
		i.manager.Subscribe(func(c conversations.Change) {
			if c.Selection {
				ev := model.InboxEvent{Type: model.EventSelection}
				if sel := i.manager.Selected(); sel != nil {
					ev.ConversationID = sel.ID()
				}
				i.publish(ev)
			}
			if c.Status && i.manager.Status() == conversations.StatusError {
				i.publish(model.InboxEvent{Type: model.EventError, Reason: inboxerrors.Message(i.manager.Err())})
			}
		}),
		i.reconciler.Subscribe(func(s reconciler.State) {
			i.publish(model.InboxEvent{Type: model.EventTranscript, ConversationID: s.ConversationID})
		}),
	}

	i.mu.Lock()
	i.unsubs = append(i.unsubs, unsubs...)
	i.mu.Unlock()

	i.view.Start()
	i.reconciler.Start()
}

func (i *Inbox) publish(ev model.InboxEvent) {
	ev.CreatedAt = i.clock.Now()
	i.changes.Emit(ev)
}

// InboxID returns the local inbox id.
func (i *Inbox) InboxID() string {
	return i.client.InboxID()
}

// Status returns the load status of the conversation set and the error of
// the last failed load.
func (i *Inbox) Status() (conversations.Status, error) {
	return i.manager.Status(), i.manager.Err()
}

// Conversations returns the visible conversations, most recent first.
func (i *Inbox) Conversations() []model.ConversationSummary {
	selected := i.manager.Selected()
	ranked := i.view.Ordered()

	out := make([]model.ConversationSummary, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, i.summarize(r.Conversation, r.SortTime, selected))
	}
	return out
}

func (i *Inbox) summarize(conv transport.Conversation, lastActivity time.Time, selected transport.Conversation) model.ConversationSummary {
	var name string
	if g, ok := conv.(transport.Group); ok && conv.Kind() == model.KindGroup {
		name = g.Name()
	}
	return model.ConversationSummary{
		ID:           conv.ID(),
		Kind:         conv.Kind(),
		Name:         name,
		DisplayName:  model.DisplayName(conv.ID(), conv.Kind(), name, i.gateway.GroupName()),
		CreatedAt:    conv.CreatedAt(),
		LastActivity: lastActivity,
		Selected:     selected != nil && selected.ID() == conv.ID(),
	}
}

// Refresh reloads the conversation set.
func (i *Inbox) Refresh(ctx context.Context) error {
	return i.manager.Refresh(ctx)
}

// Select selects the conversation with id. An empty id clears the selection.
func (i *Inbox) Select(id string) error {
	if id == "" {
		i.manager.Select(nil)
		return nil
	}
	conv, ok := i.manager.Lookup(id)
	if !ok {
		return inboxerrors.ErrNotFound
	}
	i.manager.Select(conv)
	return nil
}

// Compose clears the selection and sets the addresses a new group will be
// created with on the next send.
func (i *Inbox) Compose(addresses []string) {
	i.manager.Select(nil)
	i.reconciler.SetCandidates(gateway.NormalizeAddresses(addresses))
}

// Send sends text to the selected conversation, or to a new group built
// from the composed addresses.
func (i *Inbox) Send(ctx context.Context, text string) error {
	return i.reconciler.Send(ctx, text)
}

// Transcript returns the state of the selected conversation.
func (i *Inbox) Transcript() reconciler.State {
	return i.reconciler.State()
}

// SetConsent records state for the conversation with id. Denied
// conversations leave the set at once; the set is then reloaded so allowed
// ones come back.
func (i *Inbox) SetConsent(ctx context.Context, id string, state model.ConsentState) error {
	conv, err := i.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := i.gateway.SetConsent(ctx, conv, state); err != nil {
		return err
	}
	return i.afterConsent(ctx, id, state)
}

// ToggleDeny denies an allowed conversation or allows a denied group, clears
// the selection and reloads the set. It returns the state written.
func (i *Inbox) ToggleDeny(ctx context.Context, id string) (model.ConsentState, error) {
	conv, err := i.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	state, err := i.gateway.ToggleDeny(ctx, conv)
	if err != nil {
		return "", err
	}
	i.manager.Select(nil)
	return state, i.afterConsent(ctx, id, state)
}

func (i *Inbox) afterConsent(ctx context.Context, id string, state model.ConsentState) error {
	if state == model.ConsentDenied {
		i.manager.Remove(id)
	}
	i.logger.Info("consent changed", zap.String("conversation_id", id), zap.String("state", string(state)))
	if err := i.manager.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh after consent change: %w", err)
	}
	return nil
}

// Participants returns the member addresses of the conversation with id.
func (i *Inbox) Participants(ctx context.Context, id string) ([]string, error) {
	conv, err := i.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return i.gateway.ParticipantAddresses(ctx, conv)
}

// OpenDM finds or creates the DM with address and selects it.
func (i *Inbox) OpenDM(ctx context.Context, address string) (model.ConversationSummary, error) {
	dm, err := i.gateway.FindOrCreateDM(ctx, address)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	i.manager.Select(dm)
	if err := i.manager.Refresh(ctx); err != nil {
		i.logger.Warn("failed to refresh after opening dm", zap.Error(err))
	}
	return i.summarize(dm, dm.CreatedAt(), dm), nil
}

// resolve finds id in the visible set, falling back to the network so hidden
// conversations can be allowed again.
func (i *Inbox) resolve(ctx context.Context, id string) (transport.Conversation, error) {
	if conv, ok := i.manager.Lookup(id); ok {
		return conv, nil
	}
	conv, err := i.client.Conversations().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, inboxerrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// Subscribe registers fn for engine events and returns its unsubscribe func.
func (i *Inbox) Subscribe(fn func(model.InboxEvent)) func() {
	return i.changes.Subscribe(fn)
}

// Close tears down every component.
func (i *Inbox) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	unsubs := i.unsubs
	i.unsubs = nil
	i.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	i.view.Close()
	return errors.Join(i.reconciler.Close(), i.manager.Close())
}
