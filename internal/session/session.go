// Package session owns one conversation with the question-answering
// backend: the message log, the backend session id and the single ask
// that may be in flight.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/qmuntal/stateless"

	"github.com/comigor/ragchat-go/internal/config"
	"github.com/comigor/ragchat-go/internal/gateway"
	"github.com/comigor/ragchat-go/internal/identity"
	"github.com/comigor/ragchat-go/internal/logger"
	"github.com/comigor/ragchat-go/internal/normalize"
)

const askEndpoint = "/api/qa/ask"

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrBusy          = errors.New("an ask is already in flight")
	// ErrDiscarded is returned when the session was reset while the ask
	// was in flight. Nothing was appended.
	ErrDiscarded = errors.New("ask result discarded after reset")
)

// Sender is the part of the gateway a session needs.
type Sender interface {
	Send(ctx context.Context, req gateway.Request, out any) error
}

// Recorder persists settled messages.
type Recorder interface {
	SaveMessage(ctx context.Context, sessionID string, m Message)
}

// Identity is the subscription side of identity.Context.
type Identity interface {
	Subscribe(fn func(identity.Event)) (unsubscribe func())
}

type askState string

const (
	stateIdle    askState = "Idle"
	statePending askState = "Pending"
)

type askTrigger string

const (
	triggerSubmit    askTrigger = "Submit"
	triggerReconcile askTrigger = "Reconcile"
	triggerFail      askTrigger = "Fail"
	triggerDiscard   askTrigger = "Discard"
)

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId,omitempty"`
}

type askResponse struct {
	// Answer is usually text but is passed to the normalizer untyped.
	Answer     any        `json:"answer"`
	Sources    []Citation `json:"sources"`
	Confidence *float64   `json:"confidence"`
	SessionID  string     `json:"sessionId"`
}

// Session is safe for concurrent use. Its mutex is never held across a
// network call.
type Session struct {
	sender   Sender
	recorder Recorder
	now      func() time.Time
	timeout  time.Duration

	mu         sync.Mutex
	state      askState
	lifecycle  *stateless.StateMachine
	sessionID  string
	log        []Message
	nextID     int64
	generation uint64
}

type Option func(*Session)

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session whose log holds only the greeting.
func New(sender Sender, cfg config.Config, opts ...Option) *Session {
	s := &Session{
		sender:  sender,
		now:     time.Now,
		timeout: cfg.Timeouts.Ask,
		state:   stateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifecycle = s.newLifecycle()
	s.log = []Message{s.newMessage(RoleSystem, Greeting)}
	return s
}

func (s *Session) newLifecycle() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return s.state, nil
		},
		func(_ context.Context, st stateless.State) error {
			s.state = st.(askState)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(stateIdle).
		Permit(triggerSubmit, statePending)

	sm.Configure(statePending).
		Permit(triggerReconcile, stateIdle).
		Permit(triggerFail, stateIdle).
		Permit(triggerDiscard, stateIdle)

	sm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("ask transition", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
	})

	return sm
}

// Bind resets the session whenever id reports the end of the current
// user's session. The returned func stops listening.
func (s *Session) Bind(id Identity) (unbind func()) {
	return id.Subscribe(func(ev identity.Event) {
		if ev.EndsSession() {
			s.Reset()
		}
	})
}

// Ask sends question to the backend and appends the exchange to the log.
//
// The user message is appended before the call. On success the
// normalized answer is appended and returned. On a gateway failure an
// error message is appended and returned together with the gateway
// error. ErrEmptyQuestion, ErrBusy and ErrDiscarded leave the log as it
// was.
func (s *Session) Ask(ctx context.Context, question string) (Message, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return Message{}, ErrEmptyQuestion
	}

	s.mu.Lock()
	if err := s.lifecycle.Fire(triggerSubmit); err != nil {
		s.mu.Unlock()
		return Message{}, ErrBusy
	}
	gen := s.generation
	sid := s.sessionID
	userMsg := s.appendLocked(RoleUser, q)
	s.mu.Unlock()

	var resp askResponse
	err := s.sender.Send(ctx, gateway.Request{
		Endpoint: askEndpoint,
		Body:     askRequest{Question: q, SessionID: sid},
		Timeout:  s.timeout,
	}, &resp)

	s.mu.Lock()
	if gen != s.generation {
		s.settleLocked(triggerDiscard)
		s.mu.Unlock()
		logger.L.Info("ask completed after reset, result dropped", "question_len", len(q))
		return Message{}, ErrDiscarded
	}

	if err != nil {
		errMsg := s.appendLocked(RoleError, gateway.MessageOf(err))
		s.settleLocked(triggerFail)
		sid = s.sessionID
		s.mu.Unlock()

		logger.L.Warn("ask failed", "session_id", sid, "kind", gateway.KindOf(err), "error", err)
		s.save(ctx, sid, userMsg, errMsg)
		return errMsg.clone(), goerr.Wrap(err, "ask failed", goerr.V("session_id", sid))
	}

	if s.sessionID == "" && resp.SessionID != "" {
		s.sessionID = resp.SessionID
		logger.L.Info("session adopted", "session_id", resp.SessionID)
	}
	answer := s.newMessage(RoleAssistant, normalize.Normalize(resp.Answer))
	answer.Sources = resp.Sources
	answer.Confidence = resp.Confidence
	s.log = append(s.log, answer)
	s.settleLocked(triggerReconcile)
	sid = s.sessionID
	s.mu.Unlock()

	s.save(ctx, sid, userMsg, answer)
	return answer.clone(), nil
}

// Reset forgets the backend session and truncates the log to the
// greeting. An ask in flight is dropped when it completes.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.sessionID = ""
	s.log = []Message{s.newMessage(RoleSystem, Greeting)}
	logger.L.Info("session reset")
}

// Messages returns a copy of the log, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.log))
	for i, m := range s.log {
		out[i] = m.clone()
	}
	return out
}

// SessionID returns the backend session id, or "" before the first
// successful answer.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Busy reports whether an ask is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == statePending
}

func (s *Session) newMessage(role Role, content string) Message {
	s.nextID++
	return Message{ID: s.nextID, Role: role, Content: content, CreatedAt: s.now()}
}

func (s *Session) appendLocked(role Role, content string) Message {
	m := s.newMessage(role, content)
	s.log = append(s.log, m)
	return m
}

func (s *Session) settleLocked(t askTrigger) {
	if err := s.lifecycle.Fire(t); err != nil {
		// only reachable if the machine is misconfigured
		logger.L.Error("ask lifecycle out of sync", "trigger", t, "state", s.state, "error", err)
		s.state = stateIdle
	}
}

func (s *Session) save(ctx context.Context, sessionID string, msgs ...Message) {
	if s.recorder == nil {
		return
	}
	for _, m := range msgs {
		s.recorder.SaveMessage(ctx, sessionID, m)
	}
}
