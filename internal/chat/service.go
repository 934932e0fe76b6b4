// Package chat handles one user turn: it resolves the phone number to an
// engine thread, records the exchange and runs the main assistant.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/canasta/internal/assistant"
	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/logx"
	"github.com/kalambet/canasta/internal/session"
	"github.com/kalambet/canasta/internal/storage"
)

var (
	// ErrRunActive means the thread is still busy with an earlier turn.
	ErrRunActive = errors.New("a run is already active for this conversation")

	// ErrInvalidInput means the phone number or the message is missing.
	ErrInvalidInput = errors.New("message and phone number are required")
)

// Store persists conversations and their messages.
type Store interface {
	GetThreadID(ctx context.Context, phone string) (string, error)
	SaveConversation(ctx context.Context, phone, threadID string) error
	SaveMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]storage.Message, error)
}

// Cache is the optional fast path for thread lookups and turn locking.
type Cache interface {
	ThreadID(ctx context.Context, phone string) (string, bool, error)
	SetThreadID(ctx context.Context, phone, threadID string) error
	Lock(ctx context.Context, threadID string) (func(context.Context) error, error)
}

// Runner executes assistant runs.
type Runner interface {
	ActiveRun(ctx context.Context, threadID string) (assistant.Run, bool, error)
	Run(ctx context.Context, threadID string) (assistant.Message, error)
}

// Events receives notable turn events.
type Events interface {
	Info(source, message, details string) bool
	Error(source, message, details string) bool
}

// Reply is the outcome of a turn.
type Reply struct {
	ThreadID string
	Text     string
}

// Option configures a Service.
type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithPublisher(pub bus.Publisher) Option {
	return func(s *Service) {
		if pub != nil {
			s.pub = pub
		}
	}
}

func WithEvents(ev Events) Option {
	return func(s *Service) { s.events = ev }
}

type Service struct {
	engine assistant.Engine
	runner Runner
	store  Store
	cache  Cache
	pub    bus.Publisher
	events Events
	turns  turnLocks
}

func NewService(engine assistant.Engine, runner Runner, store Store, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		runner: runner,
		store:  store,
		pub:    bus.Discard{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle runs one turn for phone and returns the assistant's reply.
func (s *Service) Handle(ctx context.Context, phone, message string) (Reply, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.TrimSpace(message) == "" {
		return Reply{}, ErrInvalidInput
	}

	threadID, err := s.resolveThread(ctx, phone)
	if err != nil {
		return Reply{}, err
	}
	log := logx.With().Str("thread", threadID).Logger()

	// Starting a run cancels any run already on the thread, so turns must
	// not overlap. The Redis lock extends this across processes.
	unlock, err := s.turns.lock(ctx, threadID)
	if err != nil {
		return Reply{ThreadID: threadID}, err
	}
	defer unlock()

	if s.cache != nil {
		release, err := s.cache.Lock(ctx, threadID)
		if errors.Is(err, session.ErrLocked) {
			return Reply{ThreadID: threadID}, ErrRunActive
		}
		if err != nil {
			return Reply{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("releasing turn lock")
			}
		}()
	}

	if _, active, err := s.runner.ActiveRun(ctx, threadID); err != nil {
		return Reply{}, fmt.Errorf("checking active runs: %w", err)
	} else if active {
		return Reply{ThreadID: threadID}, ErrRunActive
	}

	if _, err := s.store.SaveMessage(ctx, storage.Message{ThreadID: threadID, Role: assistant.RoleUser, Content: message}); err != nil {
		return Reply{}, fmt.Errorf("saving user message: %w", err)
	}
	if err := s.engine.AddMessage(ctx, threadID, assistant.RoleUser, message); err != nil {
		s.logError("adding message to thread", err)
		return Reply{}, err
	}
	s.pub.Publish(bus.NewMessage(bus.AgentUser, bus.AgentMain, bus.TypeUser, threadID, message))

	reply, err := s.runner.Run(ctx, threadID)
	if err != nil {
		s.logError("running assistant", err)
		return Reply{ThreadID: threadID}, fmt.Errorf("running assistant: %w", err)
	}

	if _, err := s.store.SaveMessage(ctx, storage.Message{ThreadID: threadID, Role: assistant.RoleAssistant, Content: reply.Text}); err != nil {
		return Reply{}, fmt.Errorf("saving assistant message: %w", err)
	}

	log.Info().Int("reply_len", len(reply.Text)).Msg("turn handled")
	return Reply{ThreadID: threadID, Text: reply.Text}, nil
}

// History returns the last limit stored messages for phone, oldest first.
func (s *Service) History(ctx context.Context, phone string, limit int) ([]storage.Message, error) {
	threadID, err := s.store.GetThreadID(ctx, phone)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID, limit)
}

// resolveThread returns the thread for phone, creating and recording one
// on first contact.
func (s *Service) resolveThread(ctx context.Context, phone string) (string, error) {
	if s.cache != nil {
		id, ok, err := s.cache.ThreadID(ctx, phone)
		if err != nil {
			logx.Warn().Err(err).Msg("thread cache lookup failed, using store")
		} else if ok {
			return id, nil
		}
	}

	id, err := s.store.GetThreadID(ctx, phone)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		if id, err = s.engine.CreateThread(ctx); err != nil {
			s.logError("creating thread", err)
			return "", err
		}
		if err := s.store.SaveConversation(ctx, phone, id); err != nil {
			return "", fmt.Errorf("saving conversation: %w", err)
		}
		if s.events != nil {
			s.events.Info("chat", "conversation created", id)
		}
	default:
		return "", fmt.Errorf("looking up conversation: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetThreadID(ctx, phone, id); err != nil {
			logx.Warn().Err(err).Msg("caching thread")
		}
	}
	return id, nil
}

func (s *Service) logError(msg string, err error) {
	logx.Error().Err(err).Msg(msg)
	if s.events != nil {
		s.events.Error("chat", msg, err.Error())
	}
}
