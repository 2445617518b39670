package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hession/mnemo/internal/batcher"
	"github.com/hession/mnemo/internal/history"
	"github.com/hession/mnemo/internal/metrics"
	"github.com/hession/mnemo/internal/stream"
)

var (
	// ErrTurnInProgress is returned when a turn is already loading or streaming.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrTurnAborted is returned by SendMessage when the turn was cancelled.
	ErrTurnAborted = errors.New("turn aborted")
	// ErrNothingToRetry is returned when there is no user message to replay.
	ErrNothingToRetry = errors.New("no user message to retry")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// maxLoadedMessages bounds how much history LoadConversation brings into memory.
const maxLoadedMessages = 500

// State of the current or last turn.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateAborted   State = "aborted"
)

func (s State) busy() bool {
	return s == StateLoading || s == StateStreaming
}

// StreamError is an error event reported by the model endpoint.
type StreamError struct {
	Message string
	Code    string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model stream error (%s): %s", e.Code, e.Message)
	}
	return "model stream error: " + e.Message
}

// Memory is the long-term memory used by a turn. Both calls are advisory:
// failures must not affect the turn.
type Memory interface {
	ExtractAndStore(ctx context.Context, utterance string, ownerID, sourceMessageID int64) (int, error)
	GetRelevantContext(ctx context.Context, query string, excludeOwnerID int64) string
}

// Config tunes the orchestrator.
type Config struct {
	// MaxHistoryMessages caps the prior messages sent with a turn.
	MaxHistoryMessages int
	// ContextTimeout is how long a turn waits for memory context.
	ContextTimeout time.Duration
	Batcher        batcher.Config
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxHistoryMessages: 20,
		ContextTimeout:     500 * time.Millisecond,
		Batcher:            batcher.DefaultConfig(),
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMemory enables long-term memory. Without it turns run without
// extraction or context.
func WithMemory(m Memory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithUpdateHandler registers fn to receive a copy of every message change.
// Calls are serialized and never hold the orchestrator lock. A version of a
// message older than one already delivered is skipped. fn must not call back
// into the Orchestrator.
func WithUpdateHandler(fn func(Message)) Option {
	return func(o *Orchestrator) { o.onUpdate = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type turn struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	// Fields below are guarded by Orchestrator.mu.
	conversationID int64
	stream         stream.Stream
	assistantKey   uint64
	content        *batcher.Batcher
	reasoning      *batcher.Batcher
	aborted        bool
	finishing      bool
}

// Orchestrator runs chat turns against the model stream, one at a time,
// and owns the message list of the active conversation.
type Orchestrator struct {
	transport stream.Transport
	history   history.Store
	memory    Memory
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onUpdate  func(Message)
	now       func() time.Time

	mu             sync.Mutex
	state          State
	lastErr        error
	conversationID int64
	messages       []Message
	turn           *turn
	seq            uint64

	notifyMu  sync.Mutex
	delivered map[uint64]uint64 // message key -> last delivered rev

	bg sync.WaitGroup
}

// New creates an orchestrator for a fresh conversation.
func New(transport stream.Transport, store history.Store, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = def.ContextTimeout
	}

	o := &Orchestrator{
		transport: transport,
		history:   store,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		state:     StateIdle,
		delivered: make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// SendMessage runs one turn for content and blocks until it completes,
// fails or is cancelled. The user message is visible in Messages as soon as
// the call starts.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	if o.state.busy() {
		o.mu.Unlock()
		return ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := &turn{ctx: turnCtx, cancel: cancel, started: o.now()}
	o.turn = t
	o.state = StateLoading
	o.lastErr = nil
	user := o.appendLocked(Message{Role: RoleUser, Content: content})
	o.mu.Unlock()

	o.notify(user)
	return o.runTurn(t, user)
}

func (o *Orchestrator) runTurn(t *turn, user Message) error {
	convID, err := o.ensureConversation(t)
	if err != nil {
		return o.fail(t, fmt.Errorf("create conversation: %w", err))
	}

	rec := toRecord(user)
	if err := o.history.AppendMessage(t.ctx, convID, rec); err != nil {
		return o.fail(t, fmt.Errorf("save message: %w", err))
	}
	o.setPersisted(user.key, rec.ID, convID)

	if o.memory != nil {
		o.extractDetached(t.ctx, user.Content, convID, rec.ID)
	}

	block := o.retrieveContext(t.ctx, user.Content, convID)

	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return ErrTurnAborted
	}
	req := o.buildRequestLocked(user.key, user.Content, block)
	assistant := o.appendLocked(Message{Role: RoleAssistant, IsStreaming: true})
	t.assistantKey = assistant.key
	t.content = batcher.New(o.cfg.Batcher, func(text string) {
		o.applyEvent(t, stream.TokenEvent{Content: text})
		o.metrics.RecordBatch("content")
	}, nil)
	t.reasoning = batcher.New(o.cfg.Batcher, func(text string) {
		o.applyEvent(t, stream.ReasoningEvent{Content: text})
		o.metrics.RecordBatch("reasoning")
	}, nil)
	content, reasoning := t.content, t.reasoning
	o.mu.Unlock()
	o.notify(assistant)

	s, err := o.transport.Open(t.ctx, req)
	if err != nil {
		return o.fail(t, fmt.Errorf("open stream: %w", err))
	}

	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		s.Close()
		return ErrTurnAborted
	}
	t.stream = s
	o.state = StateStreaming
	o.mu.Unlock()
	defer s.Close()

	for {
		ev, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return o.complete(t)
			}
			return o.fail(t, err)
		}

		switch e := ev.(type) {
		case stream.TokenEvent:
			content.AddToken(e.Content)
		case stream.ReasoningEvent:
			reasoning.AddToken(e.Content)
		case stream.EndEvent:
			return o.complete(t)
		case stream.ErrorEvent:
			return o.fail(t, &StreamError{Message: e.Message, Code: e.Code})
		case stream.UnknownEvent:
			o.logger.Debug("ignoring unknown stream event", zap.String("type", e.Tag))
		default:
			o.applyEvent(t, ev)
		}
	}
}

func (o *Orchestrator) ensureConversation(t *turn) (int64, error) {
	o.mu.Lock()
	id := o.conversationID
	if id != 0 {
		t.conversationID = id
	}
	o.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	conv, err := o.history.CreateConversation(t.ctx)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.conversationID = conv.ID
	t.conversationID = conv.ID
	for i := range o.messages {
		o.messages[i].ConversationID = conv.ID
	}
	o.mu.Unlock()
	return conv.ID, nil
}

// buildRequestLocked sends the finished messages before the current user
// message, newest last, plus the memory context as a system message.
func (o *Orchestrator) buildRequestLocked(userKey uint64, content, contextBlock string) *stream.Request {
	var turns []stream.Turn
	for _, m := range o.messages {
		if m.key == userKey {
			break
		}
		if m.IsStreaming || m.Content == "" || (m.Role != RoleUser && m.Role != RoleAssistant) {
			continue
		}
		turns = append(turns, stream.Turn{Role: string(m.Role), Content: m.Content})
	}
	if n := o.cfg.MaxHistoryMessages; len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if contextBlock != "" {
		turns = append(turns, stream.Turn{Role: string(RoleSystem), Content: contextBlock})
	}
	return &stream.Request{History: turns, CurrentMessage: content}
}

// applyEvent folds ev into the turn's assistant message unless the turn has
// been cancelled or replaced.
func (o *Orchestrator) applyEvent(t *turn, ev stream.Event) {
	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return
	}
	i := o.indexLocked(t.assistantKey)
	if i < 0 {
		o.mu.Unlock()
		return
	}
	msg := o.storeLocked(i, Apply(o.messages[i], ev))
	o.mu.Unlock()

	o.notify(msg)
}

func (o *Orchestrator) complete(t *turn) error {
	t.flush()

	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return ErrTurnAborted
	}
	t.finishing = true
	i := o.indexLocked(t.assistantKey)
	msg := o.storeLocked(i, Finalize(o.messages[i]))
	o.mu.Unlock()

	o.persist(t, msg)
	o.finish(t, StateCompleted, nil)
	o.notify(msg)
	return nil
}

// fail ends the turn with cause. Partial output is flushed and kept; an
// assistant message that never received anything is removed.
func (o *Orchestrator) fail(t *turn, cause error) error {
	t.flush()

	o.mu.Lock()
	if !o.isCurrent(t) {
		o.mu.Unlock()
		return ErrTurnAborted
	}
	t.finishing = true
	var partial *Message
	if i := o.indexLocked(t.assistantKey); i >= 0 {
		msg := Finalize(o.messages[i])
		msg.Error = cause.Error()
		if msg.IsEmpty() {
			o.removeLocked(i)
		} else {
			msg = o.storeLocked(i, msg)
			partial = &msg
		}
	}
	o.mu.Unlock()

	o.logger.Warn("turn failed", zap.Error(cause))
	if partial != nil {
		o.persist(t, *partial)
	}
	o.finish(t, StateErrored, cause)
	if partial != nil {
		o.notify(*partial)
	}
	return cause
}

// Cancel aborts the active turn. The stream is closed, buffered tokens are
// dropped, and an assistant message with no content yet is removed. It
// reports whether there was a turn to cancel.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	t := o.turn
	if t == nil || t.aborted || t.finishing {
		o.mu.Unlock()
		return false
	}
	t.aborted = true
	var partial *Message
	if i := o.indexLocked(t.assistantKey); i >= 0 {
		msg := Finalize(o.messages[i])
		if msg.IsEmpty() {
			o.removeLocked(i)
		} else {
			msg = o.storeLocked(i, msg)
			partial = &msg
		}
	}
	s, content, reasoning := t.stream, t.content, t.reasoning
	o.mu.Unlock()

	t.cancel()
	if s != nil {
		s.Close()
	}
	if content != nil {
		content.Abort()
	}
	if reasoning != nil {
		reasoning.Abort()
	}

	if partial != nil {
		o.persist(t, *partial)
		o.notify(*partial)
	}
	o.finish(t, StateAborted, nil)
	o.logger.Info("turn cancelled")
	return true
}

func (t *turn) flush() {
	if t.content != nil {
		t.content.Complete()
	}
	if t.reasoning != nil {
		t.reasoning.Complete()
	}
}

func (o *Orchestrator) finish(t *turn, state State, err error) {
	o.mu.Lock()
	if o.turn == t {
		o.turn = nil
		o.state = state
		o.lastErr = err
	}
	o.mu.Unlock()

	o.metrics.RecordTurn(string(state), o.now().Sub(t.started))
}

// persist appends a finished assistant message to history. Failures are
// logged; the message stays in memory.
func (o *Orchestrator) persist(t *turn, msg Message) {
	o.mu.Lock()
	convID := t.conversationID
	o.mu.Unlock()

	rec := toRecord(msg)
	if err := o.history.AppendMessage(context.WithoutCancel(t.ctx), convID, rec); err != nil {
		o.logger.Error("failed to save assistant message", zap.Int64("conversation_id", convID), zap.Error(err))
		return
	}
	o.setPersisted(msg.key, rec.ID, convID)
}

func (o *Orchestrator) setPersisted(key uint64, id, convID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.indexLocked(key); i >= 0 {
		o.messages[i].ID = id
		o.messages[i].ConversationID = convID
	}
}

// RetryLastMessage drops the last user message and everything after it,
// both in memory and in history, and sends the same content again.
func (o *Orchestrator) RetryLastMessage(ctx context.Context) error {
	o.mu.Lock()
	if o.state.busy() {
		o.mu.Unlock()
		return ErrTurnInProgress
	}
	u := -1
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].Role == RoleUser {
			u = i
			break
		}
	}
	if u < 0 {
		o.mu.Unlock()
		return ErrNothingToRetry
	}
	content := o.messages[u].Content
	var ids []int64
	for _, m := range o.messages[u:] {
		if m.ID != 0 {
			ids = append(ids, m.ID)
		}
	}
	o.messages = slices.Clip(o.messages[:u])
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.history.DeleteMessage(ctx, id); err != nil {
			return fmt.Errorf("discard failed attempt: %w", err)
		}
	}

	o.logger.Debug("retrying last message", zap.Int("discarded", len(ids)))
	return o.SendMessage(ctx, content)
}

// NewConversation starts an empty conversation. It is created in history
// when its first message is sent.
func (o *Orchestrator) NewConversation() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.busy() {
		return ErrTurnInProgress
	}
	o.conversationID = 0
	o.messages = nil
	o.state = StateIdle
	o.lastErr = nil
	return nil
}

// LoadConversation replaces the message list with a stored conversation.
func (o *Orchestrator) LoadConversation(ctx context.Context, id int64) (*history.Conversation, error) {
	if o.State().busy() {
		return nil, ErrTurnInProgress
	}

	conv, err := o.history.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := o.history.GetMessages(ctx, id, maxLoadedMessages)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.busy() {
		return nil, ErrTurnInProgress
	}
	o.messages = make([]Message, 0, len(recs))
	for _, rec := range recs {
		o.appendLocked(fromRecord(rec, o.logger))
	}
	o.conversationID = conv.ID
	o.state = StateIdle
	o.lastErr = nil
	return conv, nil
}

// Messages returns a copy of the conversation's messages.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Message, len(o.messages))
	for i, m := range o.messages {
		out[i] = m.Clone()
	}
	return out
}

// State returns the state of the current or last turn.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the error of the last errored turn.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// ConversationID returns the active conversation, 0 before the first message.
func (o *Orchestrator) ConversationID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// Wait blocks until background memory extraction has finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) isCurrent(t *turn) bool {
	return o.turn == t && !t.aborted
}

func (o *Orchestrator) appendLocked(msg Message) Message {
	o.seq++
	msg.key = o.seq
	msg.rev = o.seq
	if msg.ConversationID == 0 {
		msg.ConversationID = o.conversationID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now()
	}
	o.messages = append(o.messages, msg)
	return msg
}

func (o *Orchestrator) indexLocked(key uint64) int {
	if key == 0 {
		return -1
	}
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].key == key {
			return i
		}
	}
	return -1
}

// storeLocked replaces the message at i with a new version of it.
func (o *Orchestrator) storeLocked(i int, msg Message) Message {
	o.seq++
	msg.rev = o.seq
	o.messages[i] = msg
	return msg
}

func (o *Orchestrator) removeLocked(i int) {
	o.messages = slices.Delete(o.messages, i, i+1)
}

// notify delivers a snapshot taken under o.mu. Snapshots are handed over
// after the lock is released, so one that lost the race to a newer version
// of the same message is dropped.
func (o *Orchestrator) notify(msg Message) {
	if o.onUpdate == nil {
		return
	}
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	if msg.rev <= o.delivered[msg.key] {
		return
	}
	o.delivered[msg.key] = msg.rev
	o.onUpdate(msg.Clone())
}
