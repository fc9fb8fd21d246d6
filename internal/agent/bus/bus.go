// Package bus carries messages between the manager and the agents running on managed hosts. Each agent plugin
// on a host talks to the manager over a session; the bus creates and terminates sessions, numbers the DATA
// messages of each session and queues outbound messages per host until a transport picks them up.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
)

type MessageType string

const (
	// Agent to manager: start a session for a plugin. Manager to agent: the session the agent used is unknown
	// and it should ask for a new one.
	SessionCreateRequest MessageType = "SESSION_CREATE_REQUEST"
	// Manager to agent: a session has been created.
	SessionCreate MessageType = "SESSION_CREATE"
	Data          MessageType = "DATA"
	// Either direction: the session is over.
	SessionTerminate MessageType = "SESSION_TERMINATE"
	// Manager to agent: every session of the agent is over.
	SessionTerminateAll MessageType = "SESSION_TERMINATE_ALL"
)

// Message is the envelope of everything exchanged with an agent. Body is opaque to the bus.
type Message struct {
	Type       MessageType     `json:"type"`
	Fqdn       string          `json:"fqdn"`
	Plugin     string          `json:"plugin,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	SessionSeq uint64          `json:"session_seq"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Session identifies a live session of a plugin on a host.
type Session struct {
	ID     string
	Fqdn   string
	Plugin string
}

// Handler receives the traffic of one plugin. Calls for a given host are made in the order the messages
// arrived and never while the bus is locked, so a handler may call back into the bus.
type Handler interface {
	SessionStarted(ctx *mgrcontext.Context, session Session)
	Receive(ctx *mgrcontext.Context, session Session, body json.RawMessage)
	SessionEnded(ctx *mgrcontext.Context, session Session)
}

// ContactRecorder is told about every message received from a host.
type ContactRecorder interface {
	RecordContact(fqdn string, at time.Time) error
}

type sessionKey struct {
	fqdn   string
	plugin string
}

type session struct {
	Session
	// last sequence number sent and received
	txSeq uint64
	rxSeq uint64
}

type host struct {
	clientStartTime time.Time
	outbox          []Message
	// closed and replaced whenever outbox gains messages
	ready chan struct{}
}

type Bus struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session
	hosts    map[string]*host
	handlers map[string]Handler
	// closed and replaced whenever a session starts or ends
	changed  chan struct{}
	contacts ContactRecorder
	clock    clock.Clock
	metrics  *busMetrics
}

func New(contacts ContactRecorder, clock clock.Clock, registerer prometheus.Registerer) *Bus {
	return &Bus{
		sessions: map[sessionKey]*session{},
		hosts:    map[string]*host{},
		handlers: map[string]Handler{},
		changed:  make(chan struct{}),
		contacts: contacts,
		clock:    clock,
		metrics:  newBusMetrics(registerer),
	}
}

// RegisterHandler routes the sessions of plugin to handler. Must be called before any agent connects.
func (b *Bus) RegisterHandler(plugin string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[plugin] = handler
}

// Hello is called when an agent connects. An agent that has started since the bus last heard from it, or that
// the bus has never heard from, has lost all its sessions: they are ended and the agent is told so.
func (b *Bus) Hello(ctx *mgrcontext.Context, fqdn string, clientStartTime time.Time) {
	b.recordContact(ctx, fqdn)
	var after []func()
	b.mu.Lock()
	h := b.host(fqdn)
	if !h.clientStartTime.Equal(clientStartTime) {
		if !h.clientStartTime.IsZero() {
			ctx.Log.Warnf("Agent on %s restarted at %s", fqdn, clientStartTime)
		}
		h.clientStartTime = clientStartTime
		for _, key := range b.sessionsOf(fqdn) {
			after = append(after, b.endSession(ctx, key))
		}
		h.outbox = nil
		b.enqueue(fqdn, Message{Type: SessionTerminateAll, Fqdn: fqdn})
	}
	b.mu.Unlock()
	runAll(after)
}

// Receive handles a message from the agent on fqdn.
func (b *Bus) Receive(ctx *mgrcontext.Context, msg Message) error {
	ctx = mgrcontext.WithLogFields(ctx, logrus.Fields{"fqdn": msg.Fqdn, "plugin": msg.Plugin})
	b.recordContact(ctx, msg.Fqdn)
	b.metrics.received.WithLabelValues(string(msg.Type)).Inc()
	key := sessionKey{fqdn: msg.Fqdn, plugin: msg.Plugin}

	var after []func()
	b.mu.Lock()
	switch msg.Type {
	case SessionCreateRequest:
		if _, ok := b.sessions[key]; ok {
			ctx.Log.Warn("Replacing session at the agent's request")
			after = append(after, b.endSession(ctx, key))
		}
		s := &session{Session: Session{ID: uuid.NewString(), Fqdn: msg.Fqdn, Plugin: msg.Plugin}}
		b.sessions[key] = s
		b.sessionsChanged()
		b.enqueue(msg.Fqdn, Message{Type: SessionCreate, Fqdn: msg.Fqdn, Plugin: msg.Plugin, SessionID: s.ID})
		ctx.Log.WithField("session", s.ID).Info("Session created")
		if handler, ok := b.handlers[msg.Plugin]; ok {
			started := s.Session
			after = append(after, func() { handler.SessionStarted(ctx, started) })
		}
	case Data:
		s, ok := b.sessions[key]
		if !ok || s.ID != msg.SessionID {
			ctx.Log.Warnf("Data for unknown session %s, asking the agent to start a new one", msg.SessionID)
			b.enqueue(msg.Fqdn, Message{Type: SessionCreateRequest, Fqdn: msg.Fqdn, Plugin: msg.Plugin})
			break
		}
		if msg.SessionSeq <= s.rxSeq {
			ctx.Log.Debugf("Dropping duplicate message %d of session %s", msg.SessionSeq, s.ID)
			break
		}
		s.rxSeq = msg.SessionSeq
		if handler, ok := b.handlers[msg.Plugin]; ok {
			current := s.Session
			after = append(after, func() { handler.Receive(ctx, current, msg.Body) })
		}
	case SessionTerminate:
		if s, ok := b.sessions[key]; ok && s.ID == msg.SessionID {
			ctx.Log.WithField("session", s.ID).Info("Session terminated by the agent")
			after = append(after, b.endSession(ctx, key))
		}
	default:
		b.mu.Unlock()
		return errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    "type",
			Value:   msg.Type,
			Message: "not a message an agent sends",
		})
	}
	b.mu.Unlock()
	runAll(after)
	return nil
}

// Send queues a DATA message for a session. It fails with ErrSessionLost if the session has ended.
func (b *Bus) Send(target Session, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionKey{fqdn: target.Fqdn, plugin: target.Plugin}]
	if !ok || s.ID != target.ID {
		return errors.WithStack(&mgrerrors.ErrSessionLost{Fqdn: target.Fqdn, SessionID: target.ID})
	}
	s.txSeq++
	b.enqueue(target.Fqdn, Message{
		Type:       Data,
		Fqdn:       target.Fqdn,
		Plugin:     target.Plugin,
		SessionID:  s.ID,
		SessionSeq: s.txSeq,
		Body:       payload,
	})
	return nil
}

// Terminate ends target and tells the agent, so that it opens a new session. Nothing happens if target has
// already been replaced.
func (b *Bus) Terminate(ctx *mgrcontext.Context, target Session) {
	var after []func()
	b.mu.Lock()
	key := sessionKey{fqdn: target.Fqdn, plugin: target.Plugin}
	if s, ok := b.sessions[key]; ok && s.ID == target.ID {
		after = append(after, b.endSession(ctx, key))
		b.enqueue(target.Fqdn, Message{Type: SessionTerminate, Fqdn: target.Fqdn, Plugin: target.Plugin, SessionID: s.ID})
	}
	b.mu.Unlock()
	runAll(after)
}

// RemoveHost ends every session of fqdn and forgets the host.
func (b *Bus) RemoveHost(ctx *mgrcontext.Context, fqdn string) {
	var after []func()
	b.mu.Lock()
	for _, key := range b.sessionsOf(fqdn) {
		after = append(after, b.endSession(ctx, key))
	}
	if h, ok := b.hosts[fqdn]; ok {
		close(h.ready)
		delete(b.hosts, fqdn)
	}
	b.mu.Unlock()
	runAll(after)
}

// Next removes and returns the next message queued for fqdn, waiting until there is one.
func (b *Bus) Next(ctx *mgrcontext.Context, fqdn string) (Message, error) {
	for {
		b.mu.Lock()
		h := b.host(fqdn)
		if len(h.outbox) > 0 {
			msg := h.outbox[0]
			h.outbox = h.outbox[1:]
			b.mu.Unlock()
			b.metrics.sent.WithLabelValues(string(msg.Type)).Inc()
			return msg, nil
		}
		ready := h.ready
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-ready:
		}
	}
}

// Requeue puts back a message taken by Next that could not be delivered, unless its session has ended since.
func (b *Bus) Requeue(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Type == Data {
		s, ok := b.sessions[sessionKey{fqdn: msg.Fqdn, plugin: msg.Plugin}]
		if !ok || s.ID != msg.SessionID {
			return
		}
	}
	h := b.host(msg.Fqdn)
	h.outbox = slices.Insert(h.outbox, 0, msg)
	b.wake(h)
}

// Session returns the current session of plugin on fqdn.
func (b *Bus) Session(fqdn, plugin string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionKey{fqdn: fqdn, plugin: plugin}]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// AwaitSession returns the current session of plugin on fqdn, waiting for the agent to start one if needed.
func (b *Bus) AwaitSession(ctx *mgrcontext.Context, fqdn, plugin string) (Session, error) {
	for {
		b.mu.Lock()
		s, ok := b.sessions[sessionKey{fqdn: fqdn, plugin: plugin}]
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return s.Session, nil
		}
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-changed:
		}
	}
}

func (b *Bus) host(fqdn string) *host {
	h, ok := b.hosts[fqdn]
	if !ok {
		h = &host{ready: make(chan struct{})}
		b.hosts[fqdn] = h
	}
	return h
}

func (b *Bus) sessionsOf(fqdn string) []sessionKey {
	var keys []sessionKey
	for key := range b.sessions {
		if key.fqdn == fqdn {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, c sessionKey) bool { return a.plugin < c.plugin })
	return keys
}

// endSession removes a session and the messages queued for it. It returns the handler notification, to be
// run once the bus is unlocked.
func (b *Bus) endSession(ctx *mgrcontext.Context, key sessionKey) func() {
	s := b.sessions[key]
	delete(b.sessions, key)
	b.sessionsChanged()
	if h, ok := b.hosts[key.fqdn]; ok {
		kept := h.outbox[:0]
		for _, msg := range h.outbox {
			if msg.SessionID != s.ID || msg.Type != Data {
				kept = append(kept, msg)
			}
		}
		h.outbox = kept
	}
	handler, ok := b.handlers[key.plugin]
	if !ok {
		return func() {}
	}
	ended := s.Session
	return func() { handler.SessionEnded(ctx, ended) }
}

func (b *Bus) enqueue(fqdn string, msg Message) {
	h := b.host(fqdn)
	h.outbox = append(h.outbox, msg)
	b.wake(h)
}

func (b *Bus) wake(h *host) {
	close(h.ready)
	h.ready = make(chan struct{})
}

func (b *Bus) sessionsChanged() {
	close(b.changed)
	b.changed = make(chan struct{})
	b.metrics.sessions.Set(float64(len(b.sessions)))
}

func (b *Bus) recordContact(ctx *mgrcontext.Context, fqdn string) {
	if b.contacts == nil {
		return
	}
	if err := b.contacts.RecordContact(fqdn, b.clock.Now()); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to record contact from %s", fqdn)
	}
}

// Hosts returns the fqdns of every host the bus has heard from, sorted.
func (b *Bus) Hosts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	fqdns := maps.Keys(b.hosts)
	slices.Sort(fqdns)
	return fqdns
}

func runAll(fs []func()) {
	for _, f := range fs {
		f()
	}
}
