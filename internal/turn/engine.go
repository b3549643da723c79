package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"konchat/backend/internal/credits"
	"konchat/backend/internal/history"
	"konchat/backend/internal/logger"
	"konchat/backend/internal/message"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrForbidden      = errors.New("chat belongs to another user")
	ErrPersistence    = errors.New("persist turn")
	ErrDebit          = errors.New("debit turn")
)

const (
	stoppedByUserMessage = "Stopped By User"
	providerErrorMessage = "An error occurred while generating the response."
)

// Ledger is the slice of the credit ledger the engine uses.
type Ledger interface {
	Authorize(ctx context.Context, req credits.Request) (credits.Authorization, error)
	Debit(ctx context.Context, userID, model string, capability credits.Capability) (credits.Balance, error)
	DebitAnonymous(ctx context.Context, key, model string, capability credits.Capability) (credits.Balance, error)
}

type Store interface {
	ChatOwner(ctx context.Context, chatID string) (string, bool, error)
	EnsureChat(ctx context.Context, chatID, userID, title string, at int64) error
	InsertMessages(ctx context.Context, msgs []message.Message) error
}

type ProviderRequest struct {
	Model      credits.Model
	Capability credits.Capability
	Grounding  bool
	System     string
	Messages   []message.Message
}

// Provider streams generation events for one turn. Emit returns an error
// once the client is gone; the provider must then stop and return it.
type Provider interface {
	Stream(ctx context.Context, req ProviderRequest, emit func(Event) error) error
}

// Sink is the live client transport.
type Sink interface {
	Send(ev Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

type State int

const (
	StateAuthorizing State = iota
	StateStreaming
	StateAborted
	StateReducing
	StatePersisting
	StateDone
)

func (s State) String() string {
	return [...]string{"authorizing", "streaming", "aborted", "reducing", "persisting", "done"}[s]
}

type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeStoppedByUser Outcome = "stopped_by_user"
	OutcomeProviderError Outcome = "provider_error"
)

type Request struct {
	Token                string
	ChatID               string
	Messages             []message.Message
	Model                string
	Capability           string
	UseProviderGrounding bool
}

type Options struct {
	Logger *logger.Logger
	Now    func() time.Time
}

type Engine struct {
	ledger   Ledger
	store    Store
	provider Provider
	log      *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewEngine(ledger Ledger, store Store, provider Provider, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ledger:   ledger,
		store:    store,
		provider: provider,
		log:      log.With("component", "turn"),
		tracer:   otel.Tracer("konchat/backend/turn"),
		now:      now,
	}
}

// Turn is an authorized request waiting to be streamed.
type Turn struct {
	engine     *Engine
	req        Request
	auth       credits.Authorization
	model      credits.Model
	capability credits.Capability
	responseID string
	user       message.Message
	log        *logger.Logger

	mu    sync.Mutex
	state State
}

type Result struct {
	ResponseID string
	Outcome    Outcome
	Messages   []message.Message
	Balance    credits.Balance
}

// Prepare validates the request and authorizes it against the ledger.
// Nothing is written on failure.
func (e *Engine) Prepare(ctx context.Context, req Request) (*Turn, error) {
	capability, model, err := validate(req)
	if err != nil {
		return nil, err
	}

	userMsg := req.Messages[len(req.Messages)-1]
	auth, err := e.ledger.Authorize(ctx, credits.Request{
		Token:          req.Token,
		Model:          model.ID,
		Capability:     capability,
		HasAttachments: userMsg.Content.HasAttachments(),
	})
	if err != nil {
		return nil, err
	}

	if !auth.Anonymous {
		owner, found, err := e.store.ChatOwner(ctx, req.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		if found && owner != auth.UserID {
			return nil, ErrForbidden
		}
	}

	responseID := strings.ToLower(ulid.Make().String())
	return &Turn{
		engine:     e,
		req:        req,
		auth:       auth,
		model:      model,
		capability: capability,
		responseID: responseID,
		user:       userMsg,
		log:        e.log.With("chat_id", req.ChatID, "response_id", responseID, "model", model.ID, "capability", string(capability)),
		state:      StateAuthorizing,
	}, nil
}

func validate(req Request) (credits.Capability, credits.Model, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return "", credits.Model{}, fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return "", credits.Model{}, fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return "", credits.Model{}, fmt.Errorf("%w: message %d: %v", ErrInvalidRequest, i, err)
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != message.RoleUser || len(last.Content) == 0 {
		return "", credits.Model{}, fmt.Errorf("%w: last message must be a non-empty user message", ErrInvalidRequest)
	}

	rawCapability := strings.TrimSpace(req.Capability)
	if rawCapability == "" {
		rawCapability = string(credits.CapabilityChat)
	}
	capability, ok := credits.ParseCapability(rawCapability)
	if !ok {
		return "", credits.Model{}, fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, rawCapability)
	}
	if req.UseProviderGrounding && capability != credits.CapabilityChat {
		return "", credits.Model{}, fmt.Errorf("%w: provider grounding cannot be combined with %s", ErrInvalidRequest, capability)
	}

	model, ok := credits.LookupModel(req.Model)
	if !ok {
		return "", credits.Model{}, fmt.Errorf("%w: unknown model %q", ErrInvalidRequest, req.Model)
	}
	return capability, model, nil
}

func (t *Turn) Authorization() credits.Authorization { return t.auth }

func (t *Turn) ResponseID() string { return t.responseID }

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.Debug("turn state", "state", s.String())
}

// Run streams the turn to sink, then reduces, persists and bills it. Once
// streaming ends, for any reason, the tail runs detached from ctx so a
// client disconnect still yields a stored and billed turn.
func (t *Turn) Run(ctx context.Context, sink Sink) (Result, error) {
	e := t.engine
	ctx, span := e.tracer.Start(ctx, "turn.Run", trace.WithAttributes(
		attribute.String("turn.model", t.model.ID),
		attribute.String("turn.capability", string(t.capability)),
		attribute.Bool("turn.anonymous", t.auth.Anonymous),
	))
	defer span.End()

	t.setState(StateStreaming)
	events, outcome := t.stream(ctx, sink)
	span.SetAttributes(attribute.String("turn.outcome", string(outcome)))
	if outcome != OutcomeCompleted {
		t.setState(StateAborted)
	}

	tail := context.WithoutCancel(ctx)

	t.setState(StateReducing)
	reduced := Reduce(events)

	t.setState(StatePersisting)
	msgs := t.assemble(reduced, events, outcome)
	result := Result{ResponseID: t.responseID, Outcome: outcome, Messages: msgs}

	if !t.auth.Anonymous {
		if err := t.persist(tail, msgs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist")
			t.log.Error("turn persistence failed, skipping debit", "error", err)
			return result, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	balance, err := t.debit(tail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "debit")
		t.log.Error("turn debit failed", "error", err, "user_id", t.auth.UserID)
		return result, fmt.Errorf("%w: %v", ErrDebit, err)
	}
	result.Balance = balance

	t.setState(StateDone)
	return result, nil
}

func (t *Turn) stream(ctx context.Context, sink Sink) ([]Event, Outcome) {
	e := t.engine
	conversation := make([]message.Message, len(t.req.Messages))
	copy(conversation, t.req.Messages)

	preq := ProviderRequest{
		Model:      t.model,
		Capability: t.capability,
		Grounding:  t.req.UseProviderGrounding,
		System:     SystemPrompt(t.capability, t.req.UseProviderGrounding, e.now()),
		Messages:   conversation,
	}

	var (
		events   []Event
		sinkDead bool
	)
	streamErr := e.provider.Stream(ctx, preq, func(ev Event) error {
		events = append(events, ev)
		if sinkDead {
			return errClientGone
		}
		if err := sink.Send(ev); err != nil {
			sinkDead = true
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		return nil
	})

	switch {
	case sinkDead || ctx.Err() != nil || errors.Is(streamErr, errClientGone):
		t.log.Warn("turn stopped by client", "events", len(events))
		return events, OutcomeStoppedByUser
	case streamErr != nil:
		t.log.Warn("provider stream failed", "error", streamErr, "events", len(events))
		notice := Control{Type: ControlError, Message: providerErrorMessage}
		events = append(events, notice)
		_ = sink.Send(notice)
		return events, OutcomeProviderError
	default:
		return events, OutcomeCompleted
	}
}

var errClientGone = errors.New("client disconnected")

// assemble attaches ids, strictly increasing timestamps and model details
// to the reduced messages. The user message takes the first timestamp.
func (t *Turn) assemble(reduced []Reduced, events []Event, outcome Outcome) []message.Message {
	base := t.engine.now().UnixMilli()

	usage, meta := finishDetails(events)
	switch outcome {
	case OutcomeStoppedByUser:
		meta = message.ErrorMetadata(meta, message.StatusStoppedByUser, stoppedByUserMessage)
	case OutcomeProviderError:
		meta = message.ErrorMetadata(meta, message.StatusProviderError, providerErrorMessage)
	}

	user := t.user
	user.ID = uuid.NewString()
	user.ChatID = t.req.ChatID
	user.ResponseID = ""
	user.Model = ""
	user.Provider = ""
	user.Metadata = nil
	user.Usage = message.Usage{}
	user.CreatedAt = base

	out := make([]message.Message, 0, len(reduced)+1)
	out = append(out, user)

	lastAssistant := -1
	for i, r := range reduced {
		msg := message.Message{
			ID:         uuid.NewString(),
			ChatID:     t.req.ChatID,
			ResponseID: t.responseID,
			Role:       r.Role,
			Content:    r.Content,
			Model:      t.model.ID,
			Provider:   t.model.Provider,
			CreatedAt:  base + int64(i) + 1,
		}
		out = append(out, msg)
		if r.Role == message.RoleAssistant {
			lastAssistant = len(out) - 1
		}
	}
	if lastAssistant >= 0 {
		out[lastAssistant].Usage = usage
		out[lastAssistant].Metadata = meta
	}
	return out
}

func finishDetails(events []Event) (message.Usage, message.Metadata) {
	var (
		usage message.Usage
		meta  message.Metadata
	)
	for _, ev := range events {
		c, ok := ev.(Control)
		if !ok || c.Type != ControlFinish {
			continue
		}
		usage = usage.Add(c.Usage)
		if len(c.Metadata) > 0 {
			if meta == nil {
				meta = message.Metadata{}
			}
			for k, v := range c.Metadata {
				meta[k] = v
			}
		}
	}
	return usage, meta
}

func (t *Turn) persist(ctx context.Context, msgs []message.Message) error {
	e := t.engine
	if err := e.store.EnsureChat(ctx, t.req.ChatID, t.auth.UserID, history.TitleFrom(t.user.Content.Text()), msgs[0].CreatedAt); err != nil {
		return err
	}
	return e.store.InsertMessages(ctx, msgs)
}

func (t *Turn) debit(ctx context.Context) (credits.Balance, error) {
	if t.auth.Anonymous {
		return t.engine.ledger.DebitAnonymous(ctx, t.auth.Key, t.model.ID, t.capability)
	}
	return t.engine.ledger.Debit(ctx, t.auth.UserID, t.model.ID, t.capability)
}
