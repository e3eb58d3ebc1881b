// Package reconciler maintains the transcript of the selected conversation:
// history, live messages, optimistic sends and the wait for a reply.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/conversations"
	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
	"github.com/capitalize-ai/agent-inbox/pkg/tracing"
)

// DefaultReplyTimeout is how long to wait for a reply after a send.
const DefaultReplyTimeout = 10 * time.Second

// Phase is the progress of the session for the selected conversation.
type Phase string

const (
	PhaseNone    Phase = "none"
	PhaseSyncing Phase = "syncing"
	PhaseLoading Phase = "loading"
	PhaseLive    Phase = "live"
	PhaseFailed  Phase = "failed"
)

// State is a snapshot of the reconciler.
type State struct {
	ConversationID string
	Phase          Phase
	Transcript     []model.TranscriptEntry
	Candidates     []string

	Syncing  bool
	Loading  bool
	Creating bool
	Sending  bool

	SyncErr   error
	LoadErr   error
	CreateErr error
	SendErr   error

	Waiting      bool
	WaitDeadline time.Time
}

// Selector owns the current selection. Implemented by conversations.Manager.
type Selector interface {
	Selected() transport.Conversation
	Select(conv transport.Conversation)
	Refresh(ctx context.Context) error
	Subscribe(fn func(conversations.Change)) func()
}

// Creator creates group conversations. Implemented by gateway.Gateway.
type Creator interface {
	CreateGroup(ctx context.Context, addresses []string) (transport.Group, error)
}

// Options configures a Reconciler.
type Options struct {
	ReplyTimeout time.Duration
	Clock        clock.Clock
}

// Reconciler follows the selection of a Selector and keeps one session per
// selected conversation. Results from a superseded session are dropped.
type Reconciler struct {
	selfID       string
	selector     Selector
	creator      Creator
	clock        clock.Clock
	replyTimeout time.Duration
	logger       *logger.Logger

	mu          sync.Mutex
	state       State
	conv        transport.Conversation
	gen         uint64
	cancel      context.CancelFunc
	stream      transport.Stream
	seen        map[string]bool
	candidates  []string
	timer       *clock.Timer
	timerSeq    uint64
	unsubscribe func()
	closed      bool

	changes events.Emitter[State]
}

// New creates a reconciler for the inbox selfID. Call Start to follow the
// selector.
func New(selfID string, selector Selector, creator Creator, opts Options, log *logger.Logger) *Reconciler {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Reconciler{
		selfID:       selfID,
		selector:     selector,
		creator:      creator,
		clock:        opts.Clock,
		replyTimeout: opts.ReplyTimeout,
		logger:       logger.OrGlobal(log).Named("reconciler"),
		state:        State{Phase: PhaseNone},
		seen:         make(map[string]bool),
	}
}

// Start subscribes to selection changes and opens a session for the current
// selection, if any.
func (r *Reconciler) Start() {
	unsubscribe := r.selector.Subscribe(func(c conversations.Change) {
		if c.Selection {
			r.switchTo(r.selector.Selected())
		}
	})
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	r.switchTo(r.selector.Selected())
}

// switchTo tears down the current session and starts one for conv. It is a
// no-op when conv is already the session's conversation.
func (r *Reconciler) switchTo(conv transport.Conversation) {
	r.mu.Lock()
	if r.closed || sameConversation(r.conv, conv) {
		r.mu.Unlock()
		return
	}
	cancelPrev, streamPrev := r.cancel, r.stream
	r.stopTimerLocked("cancelled")

	r.gen++
	gen := r.gen
	r.conv = conv
	r.stream = nil
	r.seen = make(map[string]bool)

	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())

	r.state = State{Phase: PhaseNone, Candidates: r.state.Candidates}
	if conv != nil {
		r.state.ConversationID = conv.ID()
		r.state.Phase = PhaseSyncing
		r.state.Syncing = true
	}
	r.mu.Unlock()

	if cancelPrev != nil {
		cancelPrev()
	}
	if streamPrev != nil {
		if err := streamPrev.End(); err != nil {
			r.logger.Warn("failed to end message stream", zap.Error(err))
		}
	}
	r.emit()

	if conv != nil {
		go r.run(ctx, gen, conv)
	}
}

// run syncs the conversation, opens its message stream and loads its
// history.
func (r *Reconciler) run(ctx context.Context, gen uint64, conv transport.Conversation) {
	ctx, span := tracing.Tracer("reconciler").Start(ctx, "reconciler.session")
	defer span.End()
	log := r.logger.WithConversation(conv.ID())

	if err := conv.Sync(ctx); err != nil {
		err = inboxerrors.NewStageError(inboxerrors.StageSync, conv.ID(), err)
		tracing.RecordError(span, err)
		if r.update(gen, func(s *State) {
			s.Syncing = false
			s.Phase = PhaseFailed
			s.SyncErr = err
		}) {
			metrics.RecordStageError(string(inboxerrors.StageSync))
			log.Error("failed to sync conversation", zap.Error(err))
		}
		return
	}
	if !r.update(gen, func(s *State) {
		s.Syncing = false
		s.Loading = true
		s.Phase = PhaseLoading
	}) {
		return
	}

	stream, err := conv.StreamMessages(ctx, func(msg model.Message) {
		r.receive(gen, msg)
	})
	if err != nil {
		err = inboxerrors.NewStageError(inboxerrors.StageLoad, conv.ID(), fmt.Errorf("failed to open message stream: %w", err))
		r.loadFailed(gen, span, log, err)
		return
	}
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		_ = stream.End()
		return
	}
	r.stream = stream
	r.mu.Unlock()

	// Messages seen on both the stream and the history are deduplicated by id.
	history, err := conv.Messages(ctx)
	if err != nil {
		r.mu.Lock()
		if gen == r.gen {
			r.stream = nil
		}
		r.mu.Unlock()
		_ = stream.End()
		r.loadFailed(gen, span, log, inboxerrors.NewStageError(inboxerrors.StageLoad, conv.ID(), err))
		return
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	transcript := make([]model.TranscriptEntry, 0, len(history)+len(r.state.Transcript))
	for _, msg := range history {
		if !msg.IsText() || r.seen[msg.ID] {
			continue
		}
		r.seen[msg.ID] = true
		transcript = append(transcript, model.NewTranscriptEntry(msg, r.selfID))
	}
	// Entries streamed or sent while loading follow the history.
	transcript = append(transcript, r.state.Transcript...)
	r.state.Transcript = transcript
	r.state.Loading = false
	r.state.Phase = PhaseLive
	r.mu.Unlock()
	r.emit()

	log.Debug("message stream live", zap.Int("history", len(transcript)))
}

// loadFailed ends the session's load. Only optimistic entries survive: a
// failed load shows no history, streamed or otherwise.
func (r *Reconciler) loadFailed(gen uint64, span trace.Span, log *logger.Logger, err error) {
	tracing.RecordError(span, err)
	if r.update(gen, func(s *State) {
		s.Loading = false
		s.Phase = PhaseFailed
		s.LoadErr = err
		kept := s.Transcript[:0]
		for _, e := range s.Transcript {
			if e.Optimistic {
				kept = append(kept, e)
			}
		}
		s.Transcript = kept
		clear(r.seen)
	}) {
		metrics.RecordStageError(string(inboxerrors.StageLoad))
		log.Error("failed to load messages", zap.Error(err))
	}
}

// receive applies a streamed message to the session gen.
func (r *Reconciler) receive(gen uint64, msg model.Message) {
	if !msg.IsText() {
		metrics.RecordStreamEvent("messages", "ignored")
		return
	}

	r.mu.Lock()
	if gen != r.gen || r.closed || r.state.Phase == PhaseFailed {
		r.mu.Unlock()
		return
	}
	if r.seen[msg.ID] {
		r.mu.Unlock()
		metrics.RecordStreamEvent("messages", "duplicate")
		return
	}
	r.seen[msg.ID] = true
	entry := model.NewTranscriptEntry(msg, r.selfID)
	r.state.Transcript = append(r.state.Transcript, entry)
	replied := entry.Role == model.RoleAssistant && r.state.Waiting
	if entry.Role == model.RoleAssistant {
		r.stopTimerLocked("replied")
	}
	r.mu.Unlock()

	metrics.RecordStreamEvent("messages", "appended")
	if replied {
		r.logger.Debug("reply received", zap.String("conversation_id", msg.ConversationID))
	}
	r.emit()
}

// SetCandidates sets the participant addresses used to create a group on
// the first send when nothing is selected.
func (r *Reconciler) SetCandidates(addresses []string) {
	r.mu.Lock()
	r.candidates = append([]string(nil), addresses...)
	r.state.Candidates = append([]string(nil), addresses...)
	r.mu.Unlock()
	r.emit()
}

// Send sends text to the selected conversation, creating a group from the
// candidates first when nothing is selected. An optimistic entry is shown
// until the transport answers; a successful send starts the wait for a
// reply.
func (r *Reconciler) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return inboxerrors.ErrEmptyContent
	}

	ctx, span := tracing.Tracer("reconciler").Start(ctx, "reconciler.send")
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return inboxerrors.ErrClosed
	}
	conv := r.conv
	candidates := append([]string(nil), r.candidates...)
	gen := r.gen
	r.mu.Unlock()

	if conv == nil {
		if len(candidates) == 0 {
			return inboxerrors.ErrNoConversation
		}
		group, err := r.create(ctx, gen, candidates)
		if err != nil {
			tracing.RecordError(span, err)
			return err
		}
		conv = group

		r.mu.Lock()
		gen = r.gen
		r.mu.Unlock()
	}

	tempID := "temp-" + uuid.Must(uuid.NewV7()).String()
	optimistic := model.TranscriptEntry{
		ID:         tempID,
		Role:       model.RoleUser,
		Content:    text,
		SentAt:     r.clock.Now(),
		Optimistic: true,
	}

	r.mu.Lock()
	if gen == r.gen {
		r.state.Transcript = append(r.state.Transcript, optimistic)
		r.state.Sending = true
		r.state.SendErr = nil
	}
	r.mu.Unlock()
	r.emit()

	_, err := conv.Send(ctx, text)
	if err != nil {
		err = inboxerrors.NewStageError(inboxerrors.StageSend, conv.ID(), err)
	}

	r.mu.Lock()
	if gen == r.gen {
		r.state.Transcript = removeEntry(r.state.Transcript, tempID)
		r.state.Sending = false
		if err != nil {
			r.state.SendErr = err
			r.stopTimerLocked("cancelled")
		} else {
			r.startTimerLocked(gen)
		}
	}
	r.mu.Unlock()
	r.emit()

	if err != nil {
		tracing.RecordError(span, err)
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		metrics.RecordStageError(string(inboxerrors.StageSend))
		r.logger.Error("failed to send message", zap.String("conversation_id", conv.ID()), zap.Error(err))
		return err
	}
	metrics.MessagesSentTotal.WithLabelValues("success").Inc()
	return nil
}

// create makes a group from candidates and selects it. The candidates are
// consumed. The selector's collection is refreshed in the background.
func (r *Reconciler) create(ctx context.Context, gen uint64, candidates []string) (transport.Group, error) {
	r.update(gen, func(s *State) {
		s.Creating = true
		s.CreateErr = nil
	})

	group, err := r.creator.CreateGroup(ctx, candidates)
	if err != nil {
		err = inboxerrors.NewStageError(inboxerrors.StageCreate, "", err)
		r.update(gen, func(s *State) {
			s.Creating = false
			s.CreateErr = err
		})
		metrics.RecordStageError(string(inboxerrors.StageCreate))
		r.logger.Error("failed to create conversation", zap.Int("participants", len(candidates)), zap.Error(err))
		return nil, err
	}
	r.mu.Lock()
	r.candidates = nil
	if gen == r.gen {
		r.state.Creating = false
		r.state.Candidates = nil
	}
	r.mu.Unlock()
	r.emit()

	r.selector.Select(group)
	r.switchTo(group)

	go func() {
		if err := r.selector.Refresh(context.Background()); err != nil {
			r.logger.Warn("failed to refresh conversations after create", zap.Error(err))
		}
	}()
	return group, nil
}

// startTimerLocked begins the wait for a reply, replacing any earlier wait.
func (r *Reconciler) startTimerLocked(gen uint64) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerSeq++
	seq := r.timerSeq
	r.state.Waiting = true
	r.state.WaitDeadline = r.clock.Now().Add(r.replyTimeout)
	r.timer = r.clock.AfterFunc(r.replyTimeout, func() {
		r.expire(gen, seq)
	})
}

// stopTimerLocked ends the current wait, if any, recording why.
func (r *Reconciler) stopTimerLocked(outcome string) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerSeq++
	if r.state.Waiting {
		metrics.ReplyWaitsTotal.WithLabelValues(outcome).Inc()
	}
	r.state.Waiting = false
	r.state.WaitDeadline = time.Time{}
}

func (r *Reconciler) expire(gen, seq uint64) {
	r.mu.Lock()
	if gen != r.gen || seq != r.timerSeq || !r.state.Waiting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.state.Waiting = false
	r.state.WaitDeadline = time.Time{}
	r.mu.Unlock()

	metrics.ReplyWaitsTotal.WithLabelValues("timeout").Inc()
	r.emit()
}

// update applies fn to the state if gen is still current and reports
// whether it did.
func (r *Reconciler) update(gen uint64, fn func(*State)) bool {
	r.mu.Lock()
	if gen != r.gen || r.closed {
		r.mu.Unlock()
		return false
	}
	fn(&r.state)
	r.mu.Unlock()
	r.emit()
	return true
}

// State returns a snapshot of the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() State {
	s := r.state
	s.Transcript = append([]model.TranscriptEntry(nil), r.state.Transcript...)
	s.Candidates = append([]string(nil), r.state.Candidates...)
	return s
}

// Subscribe registers fn for state changes and returns its unsubscribe func.
func (r *Reconciler) Subscribe(fn func(State)) func() {
	return r.changes.Subscribe(fn)
}

func (r *Reconciler) emit() {
	r.changes.Emit(r.State())
}

// Close ends the session, the stream and any pending wait.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	r.stopTimerLocked("cancelled")
	cancel, stream, unsubscribe := r.cancel, r.stream, r.unsubscribe
	r.cancel, r.stream, r.unsubscribe = nil, nil, nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		return stream.End()
	}
	return nil
}

func removeEntry(entries []model.TranscriptEntry, id string) []model.TranscriptEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func sameConversation(a, b transport.Conversation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}
