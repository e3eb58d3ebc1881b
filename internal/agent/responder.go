// Package agent runs a reply agent on its own inbox: it follows every
// conversation it is part of and answers inbound text messages.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/consent"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// Replier produces the text of a reply to transcript. The last entry is the
// message being answered.
type Replier interface {
	Reply(ctx context.Context, transcript []model.TranscriptEntry) (string, error)
}

// Options configures a Responder.
type Options struct {
	// HistoryDepth is the number of trailing transcript entries passed to
	// the replier.
	HistoryDepth int
	// ReplyTimeout bounds one reply, including the send.
	ReplyTimeout time.Duration
}

// Responder follows the conversations of one inbox and replies to them.
type Responder struct {
	client  transport.Client
	replier Replier
	oracle  *consent.Oracle
	opts    Options
	logger  *logger.Logger

	mu        sync.Mutex
	following map[string]transport.Stream
	answered  map[string]bool
	stopped   bool
	wg        sync.WaitGroup
}

// NewResponder creates a responder for client.
func NewResponder(client transport.Client, replier Replier, opts Options, log *logger.Logger) *Responder {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 20
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = time.Minute
	}
	log = logger.OrGlobal(log).Named("agent").With(zap.String("inbox_id", client.InboxID()))
	return &Responder{
		client:    client,
		replier:   replier,
		oracle:    consent.NewOracle(client, 0, log),
		opts:      opts,
		logger:    log,
		following: make(map[string]transport.Stream),
		answered:  make(map[string]bool),
	}
}

// Run follows existing and new conversations until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	convs := r.client.Conversations()
	if err := convs.Sync(ctx); err != nil {
		return fmt.Errorf("failed to sync conversations: %w", err)
	}

	stream, err := convs.Stream(ctx, func(conv transport.Conversation) {
		r.follow(ctx, conv)
	})
	if err != nil {
		return fmt.Errorf("failed to stream conversations: %w", err)
	}
	defer stream.End()

	list, err := convs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	for _, conv := range r.oracle.Filter(ctx, list) {
		r.follow(ctx, conv)
	}

	r.logger.Info("agent listening", zap.Int("conversations", len(list)))
	<-ctx.Done()

	r.mu.Lock()
	r.stopped = true
	for id, s := range r.following {
		_ = s.End()
		delete(r.following, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Responder) follow(ctx context.Context, conv transport.Conversation) {
	if !r.oracle.Allowed(ctx, conv) {
		return
	}

	r.mu.Lock()
	if _, ok := r.following[conv.ID()]; ok || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	// Reserve the id so a concurrent follow does not open a second stream.
	r.following[conv.ID()] = transport.NewStream(nil)
	r.mu.Unlock()

	stream, err := conv.StreamMessages(ctx, func(msg model.Message) {
		r.handle(ctx, conv, msg)
	})
	if err != nil {
		r.logger.Error("failed to stream messages", zap.String("conversation_id", conv.ID()), zap.Error(err))
		r.mu.Lock()
		delete(r.following, conv.ID())
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.following[conv.ID()] = stream
	r.mu.Unlock()
	r.logger.Debug("following conversation", zap.String("conversation_id", conv.ID()))

	// A message sent before the stream opened is only visible as the last one.
	last, err := conv.LastMessage(ctx)
	if err != nil {
		r.logger.Warn("failed to get last message", zap.String("conversation_id", conv.ID()), zap.Error(err))
		return
	}
	if last != nil {
		r.handle(ctx, conv, *last)
	}
}

// handle answers plain text from other inboxes. Markdown is what agents
// reply with, so it is never answered.
func (r *Responder) handle(ctx context.Context, conv transport.Conversation, msg model.Message) {
	if msg.SenderInboxID == r.client.InboxID() || msg.ContentType != model.ContentTypeText || ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	if r.stopped || r.answered[msg.ID] {
		r.mu.Unlock()
		return
	}
	r.answered[msg.ID] = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.reply(ctx, conv, msg); err != nil {
			r.logger.Error("failed to reply",
				zap.String("conversation_id", conv.ID()),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}()
}

func (r *Responder) reply(ctx context.Context, conv transport.Conversation, msg model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReplyTimeout)
	defer cancel()

	history, err := conv.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	transcript := Transcript(history, msg, r.client.InboxID(), r.opts.HistoryDepth)

	text, err := r.replier.Reply(ctx, transcript)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if md, ok := conv.(transport.MarkdownSender); ok {
		_, err = md.SendMarkdown(ctx, text)
	} else {
		_, err = conv.Send(ctx, text)
	}
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// Transcript builds the textual transcript up to and including msg, keeping
// at most depth trailing entries. Roles are from the agent's point of view:
// its own messages are user entries.
func Transcript(history []model.Message, msg model.Message, self string, depth int) []model.TranscriptEntry {
	var out []model.TranscriptEntry
	found := false
	for _, m := range history {
		if !m.IsText() {
			continue
		}
		out = append(out, model.NewTranscriptEntry(m, self))
		if m.ID == msg.ID {
			found = true
			break
		}
	}
	if !found {
		out = append(out, model.NewTranscriptEntry(msg, self))
	}
	if depth > 0 && len(out) > depth {
		out = out[len(out)-depth:]
	}
	return out
}
