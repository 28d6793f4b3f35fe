// Package session owns client sessions: the wire protocol, one in-flight
// run per session, interrupts, heartbeats, history, and idle expiry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/pipeline"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrValidation is returned when a message fails validation.
	ErrValidation = errors.New("session: invalid message")
	// ErrConcurrentLimit is returned when the process-wide run limit is hit.
	ErrConcurrentLimit = errors.New("session: concurrent run limit reached")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("session: manager closed")
)

// historyTurns is how many prior messages are handed to intent resolution.
const historyTurns = 10

// Sender is the outbound side of a client connection. Send must not block.
type Sender interface {
	Send(env Envelope)
	Close()
}

// Starter starts pipeline runs. *pipeline.Orchestrator satisfies it.
type Starter interface {
	Start(ctx context.Context, req pipeline.Request, sink pipeline.Sink) *pipeline.Run
}

// Publisher forwards interrupts for sessions held by another instance.
type Publisher interface {
	Publish(ctx context.Context, sessionID, reason string) error
}

// Session is one connected client.
type Session struct {
	ID        string
	CreatedAt time.Time

	submitMu sync.Mutex // serialises Submit per session

	mu       sync.Mutex
	out      Sender
	run      *pipeline.Run
	lastSeen time.Time
}

// LastSeen returns the last time the client was heard from.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Run returns the most recent run, which may have finished.
func (s *Session) Run() *pipeline.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Session) send(env Envelope) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out != nil {
		out.Send(env)
	}
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastSeen = at
	s.mu.Unlock()
}

// Opts configures a Manager. History, Publisher, Metrics and Logger are
// optional.
type Opts struct {
	Pipeline  Starter
	History   *History
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Chat      config.ChatConfig
}

// Manager is the concurrency-safe session table.
type Manager struct {
	pipeline  Starter
	history   *History
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logging.Logger
	maxLen    int
	ttl       time.Duration

	slots  chan struct{} // nil when unlimited
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("session: pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pipeline:  opts.Pipeline,
		history:   opts.History,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		maxLen:    opts.Chat.MaxMessageLength,
		ttl:       opts.Chat.SessionTTL,
		base:      base,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	if opts.Chat.MaxConcurrentRuns > 0 {
		m.slots = make(chan struct{}, opts.Chat.MaxConcurrentRuns)
	}
	return m, nil
}

// Attach registers a connection for sessionID, generating an id when it is
// empty. Reattaching an existing session replaces its connection.
func (m *Manager) Attach(ctx context.Context, sessionID string, out Sender) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		m.sessions[sessionID] = sess
	}
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)

	sess.mu.Lock()
	prev := sess.out
	sess.out = out
	sess.lastSeen = now
	sess.mu.Unlock()
	if prev != nil && prev != out {
		prev.Close()
	}

	if m.history != nil {
		row, err := m.history.EnsureSession(ctx, sessionID)
		if err != nil {
			m.log.Warn("session: history unavailable", "session", sessionID, "error", err)
		} else if !ok {
			sess.CreatedAt = row.CreatedAt
		}
	}
	m.log.Info("session: attached", "session", sessionID, "new", !ok)
	return sess, nil
}

// Detach removes the session if out is still its connection, and
// interrupts its in-flight run.
func (m *Manager) Detach(sessionID string, out Sender) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess.mu.Lock()
	current := sess.out == out
	sess.mu.Unlock()
	if !current {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)

	m.end(sess, pipeline.ReasonUserCancel)
	m.log.Info("session: detached", "session", sessionID)
}

// end interrupts the session's run and closes its connection.
func (m *Manager) end(sess *Session, reason string) {
	sess.mu.Lock()
	run := sess.run
	out := sess.out
	sess.out = nil
	sess.mu.Unlock()
	if run != nil {
		run.Interrupt(reason)
	}
	if out != nil {
		out.Close()
	}
	if m.history != nil {
		if err := m.history.CloseSession(context.Background(), sess.ID, time.Now()); err != nil {
			m.log.Warn("session: close not recorded", "session", sess.ID, "error", err)
		}
	}
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: %s: %w", sessionID, ErrSessionNotFound)
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Submit validates text and starts a run for it. An in-flight run on the
// same session is interrupted first with reason new_message. Rejections are
// reported to the client as error frames and returned.
func (m *Manager) Submit(ctx context.Context, sessionID, text, clientMessageID string) (runID string, err error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session: panic in submit", "session", sessionID, "panic", r)
			sess.send(errorEnvelope(pipeline.CodeInternal, clientMessageID, "Internal error", false))
			runID, err = "", fmt.Errorf("session: submit: panic: %v", r)
		}
	}()
	now := time.Now()
	sess.touch(now)

	content := strings.TrimSpace(text)
	if content == "" {
		sess.send(errorEnvelope(pipeline.CodeValidation, clientMessageID, "Message content must not be empty", true))
		return "", fmt.Errorf("session: submit: %w: empty content", ErrValidation)
	}
	if m.maxLen > 0 && utf8.RuneCountInString(content) > m.maxLen {
		sess.send(errorEnvelope(pipeline.CodeValidation, clientMessageID,
			fmt.Sprintf("Message exceeds %d characters", m.maxLen), true))
		return "", fmt.Errorf("session: submit: %w: content longer than %d", ErrValidation, m.maxLen)
	}
	if clientMessageID == "" {
		clientMessageID = uuid.NewString()
	}

	sess.submitMu.Lock()
	defer sess.submitMu.Unlock()

	if prev := sess.Run(); prev != nil {
		prev.Interrupt(pipeline.ReasonNewMessage)
	}

	release, ok := m.acquire()
	if !ok {
		sess.send(errorEnvelope(pipeline.CodeConcurrentLimit, clientMessageID, "Too many questions in progress, try again shortly", true))
		return "", fmt.Errorf("session: submit: %w", ErrConcurrentLimit)
	}

	var turns []pipeline.Turn
	if m.history != nil {
		if turns, err = m.history.Recent(ctx, sessionID, historyTurns); err != nil {
			m.log.Warn("session: history lookup failed", "session", sessionID, "error", err)
			turns = nil
		}
		err = m.history.Append(ctx, models.ChatMessage{
			SessionID: sessionID,
			MessageID: clientMessageID,
			Role:      models.RoleUser,
			Content:   content,
			CreatedAt: now,
		})
		if err != nil {
			m.log.Warn("session: user message not stored", "session", sessionID, "error", err)
		}
	}

	var once sync.Once
	sink := func(ev pipeline.Event) {
		env, err := eventEnvelope(ev)
		if err != nil {
			m.log.Error("session: encode event", "session", sessionID, "error", err)
			return
		}
		sess.send(env)
		if ev.Kind.Terminal() {
			once.Do(release)
		}
	}

	run := m.pipeline.Start(m.base, pipeline.Request{
		SessionID: sessionID,
		MessageID: clientMessageID,
		Question:  content,
		History:   turns,
	}, sink)
	sess.mu.Lock()
	sess.run = run
	sess.mu.Unlock()

	m.wg.Add(1)
	go m.afterRun(sessionID, run, func() { once.Do(release) })

	m.log.Debug("session: run started", "session", sessionID, "run", run.ID)
	return run.ID, nil
}

// afterRun waits for the run goroutine, then releases the run slot and
// stores the assistant's answer.
func (m *Manager) afterRun(sessionID string, run *pipeline.Run, release func()) {
	defer m.wg.Done()
	<-run.Done()
	release()

	ans := run.Answer()
	if ans == nil || m.history == nil {
		return
	}
	msg := models.ChatMessage{
		SessionID: sessionID,
		MessageID: ans.MessageID,
		Role:      models.RoleAssistant,
		Content:   ans.Text,
		ReplyTo:   ans.ReplyTo,
		CreatedAt: time.Now(),
	}
	if ans.Visualization != nil {
		if raw, err := json.Marshal(ans.Visualization); err == nil {
			msg.Visualization = string(raw)
		}
	}
	if err := m.history.Append(context.Background(), msg); err != nil {
		m.log.Warn("session: answer not stored", "session", sessionID, "error", err)
	}
}

func (m *Manager) acquire() (release func(), ok bool) {
	if m.slots == nil {
		return func() {}, true
	}
	select {
	case m.slots <- struct{}{}:
		return func() { <-m.slots }, true
	default:
		return nil, false
	}
}

// Interrupt cancels the session's in-flight run. When target is set, only
// a run answering that client message id is interrupted. It reports whether
// a run was interrupted. Sessions not held here are forwarded to the
// publisher when one is configured.
func (m *Manager) Interrupt(ctx context.Context, sessionID, reason, target string) (bool, error) {
	if reason == "" {
		reason = pipeline.ReasonUserCancel
	}
	sess, err := m.Get(sessionID)
	if errors.Is(err, ErrSessionNotFound) && m.publisher != nil {
		if perr := m.publisher.Publish(ctx, sessionID, reason); perr != nil {
			return false, fmt.Errorf("session: forward interrupt %s: %w", sessionID, perr)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.interruptSession(sess, reason, target), nil
}

// InterruptLocal is Interrupt without forwarding, for the interrupt bus.
func (m *Manager) InterruptLocal(sessionID, reason string) bool {
	sess, err := m.Get(sessionID)
	if err != nil {
		return false
	}
	return m.interruptSession(sess, reason, "")
}

func (m *Manager) interruptSession(sess *Session, reason, target string) bool {
	run := sess.Run()
	if run == nil {
		return false
	}
	if target != "" && run.MessageID != target {
		return false
	}
	ok := run.Interrupt(reason)
	if ok {
		m.log.Info("session: run interrupted", "session", sess.ID, "run", run.ID, "reason", reason)
	}
	return ok
}

// Heartbeat marks the session alive and returns the server time.
func (m *Manager) Heartbeat(sessionID string) (time.Time, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	sess.touch(now)
	return now, nil
}

// History returns a page of the session's persisted messages.
func (m *Manager) History(ctx context.Context, sessionID string, limit int, before string) (HistoryPayload, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return HistoryPayload{}, err
	}
	created := sess.CreatedAt.UTC()
	if m.history == nil {
		return HistoryPayload{Messages: []HistoryMessage{}, SessionCreatedAt: &created}, nil
	}
	rows, more, err := m.history.Page(ctx, sessionID, limit, before)
	if err != nil {
		return HistoryPayload{}, err
	}
	return historyPayload(rows, more, &created), nil
}

// Sweep ends sessions idle since before now minus the TTL and returns how
// many were removed.
func (m *Manager) Sweep(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	var idle []*Session
	for id, sess := range m.sessions {
		if sess.LastSeen().Before(cutoff) {
			idle = append(idle, sess)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)

	for _, sess := range idle {
		m.end(sess, pipeline.ReasonUserCancel)
		m.log.Info("session: expired", "session", sess.ID)
	}
	return len(idle)
}

// Close interrupts every run, drops every session and waits for run
// bookkeeping to finish or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range all {
		m.end(sess, pipeline.ReasonUserCancel)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: close: %w", ctx.Err())
	}
}
