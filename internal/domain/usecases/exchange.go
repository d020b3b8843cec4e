package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// ExchangeState is the position of an exchange in its lifecycle.
type ExchangeState int

const (
	StateIdle ExchangeState = iota
	StateResolving
	StateStreaming
	StateCompleted
	StateCancelled
	StateErrored
)

func (s ExchangeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ExchangeOptions tunes an ExchangeStreamer. Zero values take defaults.
type ExchangeOptions struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	ExtractionWait    time.Duration
	ExtractionPoll    time.Duration
	TitleWait         time.Duration
	MaxMessageChars   int
}

func (o *ExchangeOptions) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.ExtractionWait <= 0 {
		o.ExtractionWait = 30 * time.Second
	}
	if o.ExtractionPoll <= 0 {
		o.ExtractionPoll = time.Second
	}
	if o.TitleWait <= 0 {
		o.TitleWait = 10 * time.Second
	}
	if o.MaxMessageChars <= 0 {
		o.MaxMessageChars = 32_000
	}
}

// ExchangeDeps are the collaborators of an ExchangeStreamer. Ingest may be nil.
type ExchangeDeps struct {
	Conversations ports.ConversationRepository
	Messages      ports.MessageRepository
	Registry      ports.ModelRegistry
	Versions      *VersionGroupManager
	Files         *FileLifecycle
	Assembler     *ContextAssembler
	LLM           ports.CompletionService
	Titles        *TitleGenerator
	Ingest        *IngestUseCase
	Tasks         *TaskPool
}

// ExchangeRequest is one user turn as received from the client.
type ExchangeRequest struct {
	Principal      entities.Principal
	ConversationID string
	Content        string
	FileIDs        []string
	Model          *entities.ModelRef // nil when the client did not choose
	EditMessageID  string
}

// Exchange is a validated, authorized request holding its conversation's
// in-flight slot. Call Release if Run is never reached.
type Exchange struct {
	req      ExchangeRequest
	conv     *entities.Conversation
	model    *entities.ModelInfo
	explicit bool
	files    []entities.File
	edit     *entities.Message
	slot     *inflightSlot
	state    ExchangeState
}

// Model returns the resolved model.
func (e *Exchange) Model() entities.ModelInfo { return *e.model }

// State returns the current lifecycle state.
func (e *Exchange) State() ExchangeState { return e.state }

// Release frees the conversation for the next exchange. Safe to call twice.
func (e *Exchange) Release() {
	if e.slot != nil {
		e.slot.release()
	}
}

// ExchangeResult summarizes a finished exchange.
type ExchangeResult struct {
	State              ExchangeState
	UserMessageID      string
	AssistantMessageID string
	VersionGroupID     string
	VersionNumber      int
	Content            string
	Usage              *entities.UsageStats
	Title              string
}

// ExchangeStreamer turns one user message into a streamed, persisted model response.
type ExchangeStreamer struct {
	deps     ExchangeDeps
	opts     ExchangeOptions
	inflight *inflightRegistry
	logger   *log.Logger
}

// NewExchangeStreamer creates an ExchangeStreamer.
func NewExchangeStreamer(deps ExchangeDeps, opts ExchangeOptions, logger *log.Logger) *ExchangeStreamer {
	opts.defaults()
	if logger == nil {
		logger = log.Default()
	}
	return &ExchangeStreamer{
		deps:     deps,
		opts:     opts,
		inflight: newInflightRegistry(),
		logger:   logger.WithPrefix("exchange"),
	}
}

// Prepare validates and authorizes a request without side effects beyond
// claiming the conversation's in-flight slot.
func (s *ExchangeStreamer) Prepare(ctx context.Context, req ExchangeRequest) (*Exchange, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, newError(CodeValidation, "message content is required")
	}
	if len([]rune(req.Content)) > s.opts.MaxMessageChars {
		return nil, newError(CodeTooLarge, fmt.Sprintf("message exceeds %d characters", s.opts.MaxMessageChars))
	}
	if req.Model != nil && req.Model.Name == "" {
		req.Model = nil
	}

	conv, err := s.deps.Conversations.Get(ctx, req.ConversationID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && conv.OwnerID != req.Principal.UserID) {
		return nil, newError(CodeNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Archived {
		return nil, newError(CodeValidation, "conversation is archived")
	}

	ex := &Exchange{req: req, conv: conv, state: StateIdle}

	seen := make(map[string]bool, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		f, err := s.deps.Files.GetFile(ctx, req.Principal.UserID, id)
		if err != nil {
			return nil, err
		}
		ex.files = append(ex.files, *f)
	}

	if req.EditMessageID != "" {
		m, err := s.deps.Messages.Get(ctx, req.EditMessageID)
		if errors.Is(err, ports.ErrNotFound) || (err == nil && (m.ConversationID != conv.ID || m.OwnerID != req.Principal.UserID)) {
			return nil, newError(CodeNotFound, "message to edit not found")
		}
		if err != nil {
			return nil, fmt.Errorf("loading message to edit: %w", err)
		}
		if m.Role != entities.RoleUser {
			return nil, newError(CodeValidation, "only user messages can be edited")
		}
		ex.edit = m
	}

	if err := s.resolve(ctx, ex); err != nil {
		return nil, err
	}
	if err := Authorize(req.Principal, conv, ex.model); err != nil {
		return nil, err
	}

	slot, ok := s.inflight.acquire(conv.ID)
	if !ok {
		return nil, newError(CodeConflict, "a response is already being generated for this conversation")
	}
	ex.slot = slot
	return ex, nil
}

func (s *ExchangeStreamer) resolve(ctx context.Context, ex *Exchange) error {
	lookup := func(what string, find func() (*entities.ModelInfo, error)) (*entities.ModelInfo, error) {
		m, err := find()
		if errors.Is(err, ports.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, wrapError(CodeUpstream, "model registry is unavailable", fmt.Errorf("%s: %w", what, err))
		}
		return m, nil
	}

	var explicit, pinned, active *entities.ModelInfo
	var err error
	if ref := ex.req.Model; ref != nil {
		if explicit, err = lookup("explicit model", func() (*entities.ModelInfo, error) {
			return s.deps.Registry.Lookup(ctx, ref.Name, ref.Host)
		}); err != nil {
			return err
		}
	}
	if ex.conv.PinnedModelID != "" {
		if pinned, err = lookup("pinned model", func() (*entities.ModelInfo, error) {
			return s.deps.Registry.ByID(ctx, ex.conv.PinnedModelID)
		}); err != nil {
			return err
		}
	}
	if active, err = lookup("active model", func() (*entities.ModelInfo, error) {
		return s.deps.Registry.Active(ctx)
	}); err != nil {
		return err
	}

	m, err := ResolveModel(explicit, pinned, active)
	if err != nil {
		return err
	}
	ex.model = m
	ex.explicit = explicit != nil && m == explicit
	return nil
}

// Abort cancels the in-flight exchange of a conversation. It reports whether
// one was running.
func (s *ExchangeStreamer) Abort(conversationID string) bool {
	return s.inflight.abort(conversationID)
}

// Busy reports whether the conversation has an exchange in flight.
func (s *ExchangeStreamer) Busy(conversationID string) bool {
	return s.inflight.busy(conversationID)
}

// Run drives a prepared exchange to a terminal state, streaming events to
// sink. Every path that persisted the user message also persists exactly one
// assistant message. The returned error is the raw upstream failure of an
// errored exchange; completion and cancellation return nil.
func (s *ExchangeStreamer) Run(ctx context.Context, ex *Exchange, sink ports.EventSink) (ExchangeResult, error) {
	defer ex.Release()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-ex.slot.aborted:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	stopHeartbeat := startHeartbeat(sink, s.opts.HeartbeatInterval)
	defer stopHeartbeat()

	r := &run{s: s, ex: ex, sink: sink, ctx: runCtx, persistCtx: context.WithoutCancel(ctx)}
	return r.execute()
}

// run is the mutable state of one Run call.
type run struct {
	s          *ExchangeStreamer
	ex         *Exchange
	sink       ports.EventSink
	ctx        context.Context
	persistCtx context.Context

	user   *entities.Message
	ticket EditTicket
	result ExchangeResult
}

func (r *run) execute() (ExchangeResult, error) {
	ex := r.ex
	ex.state = StateResolving
	r.emit(entities.EventStatus, entities.StatusPayload{Message: "Thinking..."})

	if ex.edit != nil {
		t, err := r.s.deps.Versions.BeginEdit(r.ctx, ex.edit.ID)
		if err != nil {
			return r.abortBeforeStart(err)
		}
		r.ticket = t
	}

	if err := r.persistUser(); err != nil {
		if r.user != nil {
			return r.finish("", nil, err)
		}
		return r.abortBeforeStart(err)
	}

	if len(ex.files) > 0 {
		if err := r.awaitFiles(); err != nil {
			return r.finish("", nil, err)
		}
	}

	if ex.explicit && ex.conv.PinnedModelID != ex.model.ID {
		if err := r.s.deps.Conversations.PinModel(r.ctx, ex.conv.ID, ex.model.ID); err != nil {
			r.s.logger.Warn("pinning model failed", "conversation", ex.conv.ID, "model", ex.model.ID, "err", err)
		} else {
			ex.conv.PinnedModelID = ex.model.ID
		}
	}

	ex.state = StateStreaming
	messages, err := r.s.deps.Assembler.Assemble(r.ctx, ContextInput{
		Conversation: ex.conv,
		Query:        ex.req.Content,
		MessageFiles: ex.files,
	})
	if err != nil {
		return r.finish("", nil, fmt.Errorf("assembling context: %w", err))
	}

	content, usage, err := r.stream(messages)
	return r.finish(content, usage, err)
}

// persistUser saves the user turn and links its files. r.user is set as
// soon as the row exists; from then on every failure records an assistant row.
func (r *run) persistUser() error {
	ex := r.ex
	version := 1
	if r.ticket.Version > 0 {
		version = r.ticket.Version
	}
	user := &entities.Message{
		ID:             uuid.NewString(),
		ConversationID: ex.conv.ID,
		OwnerID:        ex.req.Principal.UserID,
		Role:           entities.RoleUser,
		Content:        ex.req.Content,
		VersionGroupID: r.ticket.GroupID,
		VersionNumber:  version,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.s.deps.Messages.Insert(r.ctx, user); err != nil {
		return fmt.Errorf("saving user message: %w", err)
	}
	r.user = user
	r.result.UserMessageID = user.ID
	r.result.VersionGroupID = user.VersionGroupID
	r.result.VersionNumber = user.VersionNumber

	for _, f := range ex.files {
		if err := r.s.deps.Files.LinkToMessage(r.ctx, f.ID, user.ID); err != nil {
			return err
		}
	}
	return nil
}

// awaitFiles waits for extraction of this message's files and detaches any
// that failed so they never reach the model.
func (r *run) awaitFiles() error {
	ex := r.ex
	ids := make([]string, len(ex.files))
	pending := false
	for i, f := range ex.files {
		ids[i] = f.ID
		pending = pending || f.ExtractionStatus == entities.ExtractionPending
	}
	if pending {
		r.emit(entities.EventStatus, entities.StatusPayload{Message: "Reading attached files..."})
	}

	latest, err := r.s.deps.Files.WaitForExtraction(r.ctx, ids, r.s.opts.ExtractionWait, r.s.opts.ExtractionPoll)
	if err != nil {
		return err
	}

	kept := latest[:0]
	for _, f := range latest {
		if f.ExtractionStatus != entities.ExtractionFailed {
			kept = append(kept, f)
			continue
		}
		if err := r.s.deps.Files.UnlinkFromMessage(r.ctx, f.ID, r.user.ID); err != nil {
			r.s.logger.Warn("detaching failed file", "file", f.ID, "err", err)
		}
	}
	ex.files = kept
	return nil
}

// stream relays tokens until the completion ends, fails, or is cancelled.
func (r *run) stream(messages []entities.ChatMessage) (string, *entities.UsageStats, error) {
	streamCtx, cancel := context.WithTimeout(r.ctx, r.s.opts.Timeout)
	defer cancel()

	tokens, err := r.s.deps.LLM.Stream(streamCtx, ports.CompletionRequest{
		Model:    *r.ex.model,
		Messages: messages,
	})
	if err != nil {
		return "", nil, classifyStreamErr(streamCtx, err)
	}

	var buf strings.Builder
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				if err := streamCtx.Err(); err != nil {
					return buf.String(), nil, err
				}
				return buf.String(), nil, errors.New("stream closed before completion")
			}
			if tok.Error != nil {
				return buf.String(), nil, classifyStreamErr(streamCtx, tok.Error)
			}
			if tok.Content != "" {
				buf.WriteString(tok.Content)
				r.emit(entities.EventToken, entities.TokenPayload{Content: tok.Content})
			}
			if tok.Done {
				if strings.TrimSpace(buf.String()) == "" {
					return buf.String(), tok.Usage, ErrEmptyResponse
				}
				return buf.String(), tok.Usage, nil
			}
		case <-streamCtx.Done():
			return buf.String(), nil, streamCtx.Err()
		}
	}
}

// classifyStreamErr prefers the context error when the context ended, so
// cancellation and timeout are not mistaken for upstream failures.
func classifyStreamErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// finish persists the assistant message for the terminal state reached.
func (r *run) finish(content string, usage *entities.UsageStats, err error) (ExchangeResult, error) {
	switch {
	case err == nil:
		return r.completed(content, usage), nil
	case r.ctx.Err() != nil:
		// Caller disconnected or aborted; a timeout of our own is an error.
		return r.cancelled(content), nil
	default:
		return r.errored(content, err), err
	}
}

func (r *run) assistant(content string, outcome entities.Outcome) (*entities.Message, error) {
	m := &entities.Message{
		ID:             uuid.NewString(),
		ConversationID: r.ex.conv.ID,
		OwnerID:        r.ex.req.Principal.UserID,
		Role:           entities.RoleAssistant,
		Content:        content,
		ModelID:        r.ex.model.ID,
		Outcome:        outcome,
		VersionGroupID: r.user.VersionGroupID,
		VersionNumber:  r.user.VersionNumber,
		CreatedAt:      time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(r.persistCtx, 10*time.Second)
	defer cancel()
	if err := r.s.deps.Messages.Insert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *run) completed(content string, usage *entities.UsageStats) ExchangeResult {
	var stats entities.UsageStats
	if usage != nil {
		stats = *usage
	}
	m, err := r.assistant(content, entities.Completed{Usage: stats})
	if err != nil {
		r.s.logger.Error("saving assistant message", "conversation", r.ex.conv.ID, "err", err)
		return r.errored(content, err)
	}

	r.ex.state = StateCompleted
	r.result.State = StateCompleted
	r.result.AssistantMessageID = m.ID
	r.result.Content = content
	r.result.Usage = usage
	r.emit(entities.EventDone, r.donePayload(false))

	r.scheduleEmbedding(*r.user, *m)
	if r.ex.conv.HasDefaultTitle() {
		r.result.Title = r.generateTitle(content)
	}
	r.s.logger.Info("exchange completed", "conversation", r.ex.conv.ID, "model", r.ex.model.ID, "chars", len(content))
	return r.result
}

func (r *run) cancelled(content string) ExchangeResult {
	r.ex.state = StateCancelled
	r.result.State = StateCancelled
	r.result.Content = content
	m, err := r.assistant(content, entities.Cancelled{})
	if err != nil {
		r.s.logger.Error("saving cancelled message", "conversation", r.ex.conv.ID, "err", err)
		return r.result
	}
	r.result.AssistantMessageID = m.ID
	r.emit(entities.EventDone, r.donePayload(true))
	r.s.logger.Info("exchange cancelled", "conversation", r.ex.conv.ID, "chars", len(content))
	return r.result
}

func (r *run) errored(content string, cause error) ExchangeResult {
	friendly := FriendlyError(cause)
	r.s.logger.Error("exchange failed", "conversation", r.ex.conv.ID, "model", r.ex.model.ID, "err", cause)

	r.ex.state = StateErrored
	r.result.State = StateErrored
	r.result.Content = content
	payload := entities.ErrorPayload{Message: friendly}
	if m, err := r.assistant(content, entities.Errored{Detail: friendly}); err != nil {
		r.s.logger.Error("saving errored message", "conversation", r.ex.conv.ID, "err", err)
	} else {
		r.result.AssistantMessageID = m.ID
		payload.MessageID = m.ID
	}
	r.emit(entities.EventError, payload)
	return r.result
}

// abortBeforeStart ends an exchange that failed before the user message was
// stored, so there is no turn to answer.
func (r *run) abortBeforeStart(err error) (ExchangeResult, error) {
	if r.ctx.Err() != nil {
		r.ex.state = StateCancelled
		r.result.State = StateCancelled
		r.s.logger.Info("exchange cancelled before start", "conversation", r.ex.conv.ID)
		return r.result, nil
	}
	r.ex.state = StateErrored
	r.result.State = StateErrored
	r.s.logger.Error("exchange failed before start", "conversation", r.ex.conv.ID, "err", err)
	r.emit(entities.EventError, entities.ErrorPayload{Message: FriendlyError(err)})
	return r.result, err
}

func (r *run) donePayload(cancelled bool) entities.DonePayload {
	return entities.DonePayload{
		UserMessageID:      r.result.UserMessageID,
		AssistantMessageID: r.result.AssistantMessageID,
		Usage:              r.result.Usage,
		Model:              r.ex.model.Ref(),
		VersionGroupID:     r.result.VersionGroupID,
		VersionNumber:      r.result.VersionNumber,
		EditedMessageID:    r.ex.req.EditMessageID,
		Cancelled:          cancelled,
	}
}

func (r *run) scheduleEmbedding(msgs ...entities.Message) {
	ingest := r.s.deps.Ingest
	if ingest == nil || r.s.deps.Tasks == nil {
		return
	}
	r.s.deps.Tasks.Go("embed messages "+r.user.ID, func(ctx context.Context) error {
		for i := range msgs {
			if _, err := ingest.IngestMessage(ctx, &msgs[i]); err != nil {
				r.s.logger.Debug("embedding message failed", "message", msgs[i].ID, "err", err)
			}
		}
		return nil
	})
}

// generateTitle names the conversation in the background and waits a bounded
// time so the title event can still reach the client. Failures are ignored.
func (r *run) generateTitle(answer string) string {
	if r.s.deps.Titles == nil {
		return ""
	}
	var (
		mu     sync.Mutex
		closed bool
		title  string
	)
	done := make(chan struct{})
	model, question, convID := *r.ex.model, r.ex.req.Content, r.ex.conv.ID

	task := func(ctx context.Context) error {
		defer close(done)
		ctx, cancel := context.WithTimeout(ctx, r.s.opts.Timeout)
		defer cancel()

		t, err := r.s.deps.Titles.Generate(ctx, model, question, answer)
		if err != nil || t == "" {
			r.s.logger.Debug("title generation skipped", "conversation", convID, "err", err)
			return nil
		}
		if err := r.s.deps.Conversations.UpdateTitle(ctx, convID, t); err != nil {
			r.s.logger.Debug("saving title failed", "conversation", convID, "err", err)
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		title = t
		if !closed {
			r.emit(entities.EventTitle, entities.TitlePayload{Title: t})
		}
		return nil
	}

	if r.s.deps.Tasks == nil || !r.s.deps.Tasks.Go("title "+convID, task) {
		return ""
	}

	timer := time.NewTimer(r.s.opts.TitleWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-r.ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	return title
}

func (r *run) emit(t entities.EventType, data any) {
	if err := r.sink.Emit(entities.StreamEvent{Type: t, Data: data}); err != nil {
		r.s.logger.Debug("event not delivered", "event", t, "err", err)
	}
}

// startHeartbeat pings sink every interval until the returned stop is called.
// stop waits for the pinger to exit.
func startHeartbeat(sink ports.EventSink, interval time.Duration) (stop func()) {
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				_ = sink.Heartbeat()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}

// inflightRegistry serializes exchanges per conversation.
type inflightRegistry struct {
	mu    sync.Mutex
	slots map[string]*inflightSlot
}

type inflightSlot struct {
	reg        *inflightRegistry
	convID     string
	aborted    chan struct{}
	abortOnce  sync.Once
	releaseOne sync.Once
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{slots: make(map[string]*inflightSlot)}
}

func (r *inflightRegistry) acquire(convID string) (*inflightSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.slots[convID]; busy {
		return nil, false
	}
	s := &inflightSlot{reg: r, convID: convID, aborted: make(chan struct{})}
	r.slots[convID] = s
	return s, true
}

func (r *inflightRegistry) abort(convID string) bool {
	r.mu.Lock()
	s, ok := r.slots[convID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.abortOnce.Do(func() { close(s.aborted) })
	return true
}

func (r *inflightRegistry) busy(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[convID]
	return ok
}

func (s *inflightSlot) release() {
	s.releaseOne.Do(func() {
		s.reg.mu.Lock()
		defer s.reg.mu.Unlock()
		if s.reg.slots[s.convID] == s {
			delete(s.reg.slots, s.convID)
		}
	})
}
