// Package conversations maintains the consent-filtered set of conversations
// for the local inbox and the current selection.
package conversations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
	"github.com/capitalize-ai/agent-inbox/pkg/tracing"
)

// Status is the load state of the conversation set.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Change describes what a state transition touched.
type Change struct {
	Conversations bool
	Selection     bool
	Status        bool
}

// ConsentChecker filters conversations by consent. Implemented by
// consent.Oracle.
type ConsentChecker interface {
	Allowed(ctx context.Context, conv transport.Conversation) bool
	Filter(ctx context.Context, convs []transport.Conversation) []transport.Conversation
}

// touch records a stream or local write made while a refresh was in flight.
type touch struct {
	version uint64
	removed bool
	conv    transport.Conversation
}

// Manager owns the conversation collection. All writes happen under mu and
// observers are notified after it is released.
type Manager struct {
	client  transport.Client
	consent ConsentChecker
	logger  *logger.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	err      error
	convs    []transport.Conversation
	selected transport.Conversation
	stream   transport.Stream
	closed   bool

	version     uint64
	nextRefresh uint64
	inflight    map[uint64]uint64
	touched     map[string]touch

	changes events.Emitter[Change]
}

// NewManager creates an idle manager.
func NewManager(client transport.Client, checker ConsentChecker, log *logger.Logger) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:    client,
		consent:   checker,
		logger:    logger.OrGlobal(log).Named("conversations"),
		runCtx:    runCtx,
		runCancel: cancel,
		status:    StatusIdle,
		inflight:  make(map[uint64]uint64),
		touched:   make(map[string]touch),
	}
}

// Start loads the conversation set and then opens the live conversation
// stream. After a failure the manager is in StatusError and Start may be
// called again.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	return m.openStream()
}

// Refresh reloads the whole set. Stream writes and removals made while the
// refresh was running take precedence over its result for those ids.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	ctx, span := tracing.Tracer("conversations").Start(ctx, "conversations.load")
	defer span.End()
	start := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return inboxerrors.ErrClosed
	}
	token := m.nextRefresh
	m.nextRefresh++
	snapshot := m.version
	m.inflight[token] = snapshot
	m.status = StatusLoading
	m.mu.Unlock()
	m.changes.Emit(Change{Status: true})

	visible, err := m.fetch(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		m.fail(token, err)
		metrics.RecordRefresh("error", time.Since(start).Seconds(), 0)
		return err
	}

	m.mu.Lock()
	delete(m.inflight, token)
	if m.closed {
		m.mu.Unlock()
		return inboxerrors.ErrClosed
	}
	m.convs = m.reconcile(visible, snapshot)
	m.status = StatusReady
	m.err = nil
	m.prune()
	count := len(m.convs)
	m.mu.Unlock()

	metrics.RecordRefresh("success", time.Since(start).Seconds(), count)
	m.logger.Info("conversations loaded",
		zap.Int("visible", count),
		zap.Duration("duration", time.Since(start)),
	)
	m.changes.Emit(Change{Conversations: true, Status: true})
	return nil
}

func (m *Manager) fetch(ctx context.Context) ([]transport.Conversation, error) {
	convs := m.client.Conversations()
	if err := convs.Sync(ctx); err != nil {
		return nil, inboxerrors.NewStageError(inboxerrors.StageSync, "", err)
	}
	list, err := convs.List(ctx)
	if err != nil {
		return nil, inboxerrors.NewStageError(inboxerrors.StageList, "", err)
	}
	visible := m.consent.Filter(ctx, dedupe(list))
	if err := ctx.Err(); err != nil {
		return nil, inboxerrors.NewStageError(inboxerrors.StageList, "", err)
	}
	return visible, nil
}

func (m *Manager) fail(token uint64, err error) {
	m.mu.Lock()
	delete(m.inflight, token)
	m.status = StatusError
	m.err = err
	m.prune()
	m.mu.Unlock()

	if stage, ok := inboxerrors.StageOf(err); ok {
		metrics.RecordStageError(string(stage))
	}
	m.logger.Error("failed to load conversations", zap.Error(err))
	m.changes.Emit(Change{Status: true})
}

// reconcile merges a refresh result with writes made after its snapshot.
// Must be called with mu held.
func (m *Manager) reconcile(visible []transport.Conversation, snapshot uint64) []transport.Conversation {
	out := make([]transport.Conversation, 0, len(visible))
	seen := make(map[string]bool, len(visible))
	for _, conv := range visible {
		id := conv.ID()
		seen[id] = true
		if t, ok := m.touched[id]; ok && t.version > snapshot {
			if t.removed {
				continue
			}
			conv = t.conv
		}
		out = append(out, conv)
	}
	for id, t := range m.touched {
		if t.version > snapshot && !t.removed && !seen[id] {
			out = append(out, t.conv)
		}
	}
	return out
}

// prune drops touch records no in-flight refresh can still need. Must be
// called with mu held.
func (m *Manager) prune() {
	if len(m.inflight) == 0 {
		clear(m.touched)
		return
	}
	lowest := m.version
	for _, snapshot := range m.inflight {
		if snapshot < lowest {
			lowest = snapshot
		}
	}
	for id, t := range m.touched {
		if t.version <= lowest {
			delete(m.touched, id)
		}
	}
}

func (m *Manager) openStream() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return inboxerrors.ErrClosed
	}
	if m.stream != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stream, err := m.client.Conversations().Stream(m.runCtx, m.handleStreamed)
	if err != nil {
		m.logger.Error("failed to open conversation stream", zap.Error(err))
		return fmt.Errorf("failed to open conversation stream: %w", err)
	}

	m.mu.Lock()
	if m.closed || m.stream != nil {
		m.mu.Unlock()
		_ = stream.End()
		return nil
	}
	m.stream = stream
	m.mu.Unlock()
	return nil
}

// handleStreamed applies one conversation pushed by the live stream.
func (m *Manager) handleStreamed(conv transport.Conversation) {
	allowed := m.consent.Allowed(m.runCtx, conv)
	if m.runCtx.Err() != nil {
		return
	}
	id := conv.ID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var change Change
	if allowed {
		m.upsert(conv)
		m.markTouched(id, false, conv)
		change.Conversations = true
	} else {
		change = m.removeLocked(id)
		m.markTouched(id, true, nil)
	}
	m.mu.Unlock()

	outcome := "upserted"
	if !allowed {
		outcome = "denied"
	}
	metrics.RecordStreamEvent("conversations", outcome)
	m.logger.Debug("conversation streamed",
		zap.String("conversation_id", id),
		zap.Bool("allowed", allowed),
	)
	if change.Conversations || change.Selection {
		m.changes.Emit(change)
	}
}

// Remove drops id from the set and clears the selection if it was selected.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	change := m.removeLocked(id)
	m.markTouched(id, true, nil)
	m.mu.Unlock()

	if change.Conversations || change.Selection {
		m.changes.Emit(change)
	}
}

func (m *Manager) upsert(conv transport.Conversation) {
	m.version++
	for i, existing := range m.convs {
		if existing.ID() == conv.ID() {
			m.convs[i] = conv
			return
		}
	}
	m.convs = append(m.convs, conv)
}

func (m *Manager) removeLocked(id string) Change {
	m.version++
	var change Change
	for i, existing := range m.convs {
		if existing.ID() == id {
			m.convs = append(m.convs[:i:i], m.convs[i+1:]...)
			change.Conversations = true
			break
		}
	}
	if m.selected != nil && m.selected.ID() == id {
		m.selected = nil
		change.Selection = true
	}
	return change
}

func (m *Manager) markTouched(id string, removed bool, conv transport.Conversation) {
	if len(m.inflight) == 0 {
		return
	}
	m.touched[id] = touch{version: m.version, removed: removed, conv: conv}
}

// Select makes conv the current selection. A nil conv clears it.
func (m *Manager) Select(conv transport.Conversation) {
	m.mu.Lock()
	if sameConversation(m.selected, conv) {
		m.mu.Unlock()
		return
	}
	m.selected = conv
	m.mu.Unlock()
	m.changes.Emit(Change{Selection: true})
}

// Selected returns the current selection, or nil.
func (m *Manager) Selected() transport.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Conversations returns a copy of the current set in insertion order.
func (m *Manager) Conversations() []transport.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Conversation, len(m.convs))
	copy(out, m.convs)
	return out
}

// Lookup returns the conversation with id if it is in the set.
func (m *Manager) Lookup(id string) (transport.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.convs {
		if conv.ID() == id {
			return conv, true
		}
	}
	return nil, false
}

// Status returns the current load status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the error of the last failed load, if the status is error.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Subscribe registers fn for state changes and returns its unsubscribe func.
func (m *Manager) Subscribe(fn func(Change)) func() {
	return m.changes.Subscribe(fn)
}

// Close ends the live stream. Results of loads still running are dropped.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	m.runCancel()
	if stream != nil {
		return stream.End()
	}
	return nil
}

// dedupe keeps the first position of each id and the last payload seen for it.
func dedupe(convs []transport.Conversation) []transport.Conversation {
	pos := make(map[string]int, len(convs))
	out := make([]transport.Conversation, 0, len(convs))
	for _, conv := range convs {
		if i, ok := pos[conv.ID()]; ok {
			out[i] = conv
			continue
		}
		pos[conv.ID()] = len(out)
		out = append(out, conv)
	}
	return out
}

func sameConversation(a, b transport.Conversation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}
