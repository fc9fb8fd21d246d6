package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/database"
)

const (
	fqdn   = "oss1.lustre.local"
	plugin = "action_runner"
)

type recordingHandler struct {
	mu       sync.Mutex
	started  []Session
	received []string
	ended    []Session
}

func (h *recordingHandler) SessionStarted(_ *mgrcontext.Context, session Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, session)
}

func (h *recordingHandler) Receive(_ *mgrcontext.Context, _ Session, body json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, string(body))
}

func (h *recordingHandler) SessionEnded(_ *mgrcontext.Context, session Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, session)
}

func newTestBus(t *testing.T) (*Bus, *recordingHandler, *database.MemoryContactRepository) {
	contacts := database.NewMemoryContactRepository()
	b := New(contacts, clock.RealClock{}, nil)
	handler := &recordingHandler{}
	b.RegisterHandler(plugin, handler)
	return b, handler, contacts
}

// drain returns every message currently queued for fqdn.
func drain(t *testing.T, b *Bus) []Message {
	var msgs []Message
	for {
		ctx, cancel := mgrcontext.WithTimeout(mgrcontext.Background(), 10*time.Millisecond)
		msg, err := b.Next(ctx, fqdn)
		cancel()
		if err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func openSession(t *testing.T, b *Bus) Session {
	ctx := mgrcontext.Background()
	require.NoError(t, b.Receive(ctx, Message{Type: SessionCreateRequest, Fqdn: fqdn, Plugin: plugin}))
	session, ok := b.Session(fqdn, plugin)
	require.True(t, ok)
	return session
}

func TestHello_FirstContactTerminatesAll(t *testing.T) {
	b, _, contacts := newTestBus(t)
	b.Hello(mgrcontext.Background(), fqdn, time.Unix(1000, 0))

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, SessionTerminateAll, msgs[0].Type)

	seen, err := contacts.GetContacts()
	require.NoError(t, err)
	assert.Contains(t, seen, fqdn)

	// Same start time again is a reconnect, not a restart.
	b.Hello(mgrcontext.Background(), fqdn, time.Unix(1000, 0))
	assert.Empty(t, drain(t, b))
}

func TestHello_RestartEndsSessions(t *testing.T) {
	b, handler, _ := newTestBus(t)
	ctx := mgrcontext.Background()
	b.Hello(ctx, fqdn, time.Unix(1000, 0))
	session := openSession(t, b)
	require.NoError(t, b.Send(session, map[string]string{"hello": "agent"}))
	drain(t, b)
	require.NoError(t, b.Send(session, map[string]string{"never": "delivered"}))

	b.Hello(ctx, fqdn, time.Unix(2000, 0))

	_, ok := b.Session(fqdn, plugin)
	assert.False(t, ok)
	assert.Equal(t, []Session{session}, handler.ended)
	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, SessionTerminateAll, msgs[0].Type)
}

func TestSessionCreate(t *testing.T) {
	b, handler, _ := newTestBus(t)
	session := openSession(t, b)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, []Session{session}, handler.started)
	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{Type: SessionCreate, Fqdn: fqdn, Plugin: plugin, SessionID: session.ID}, msgs[0])

	// A second request replaces the session.
	replacement := openSession(t, b)
	assert.NotEqual(t, session.ID, replacement.ID)
	assert.Equal(t, []Session{session}, handler.ended)
}

func TestReceiveData(t *testing.T) {
	tests := map[string]struct {
		sessionID      string
		seqs           []uint64
		expectReceived []string
		expectReplies  []MessageType
	}{
		"in order": {
			seqs:           []uint64{1, 2, 3},
			expectReceived: []string{`1`, `2`, `3`},
		},
		"duplicates are dropped": {
			seqs:           []uint64{1, 2, 2, 1, 3},
			expectReceived: []string{`1`, `2`, `3`},
		},
		"unknown session asks for a new one": {
			sessionID:     "stale",
			seqs:          []uint64{1},
			expectReplies: []MessageType{SessionCreateRequest},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b, handler, _ := newTestBus(t)
			ctx := mgrcontext.Background()
			session := openSession(t, b)
			drain(t, b)
			sessionID := session.ID
			if tc.sessionID != "" {
				sessionID = tc.sessionID
			}
			for _, seq := range tc.seqs {
				body, err := json.Marshal(seq)
				require.NoError(t, err)
				require.NoError(t, b.Receive(ctx, Message{
					Type:       Data,
					Fqdn:       fqdn,
					Plugin:     plugin,
					SessionID:  sessionID,
					SessionSeq: seq,
					Body:       body,
				}))
			}
			assert.Equal(t, tc.expectReceived, handler.received)
			var replies []MessageType
			for _, msg := range drain(t, b) {
				replies = append(replies, msg.Type)
			}
			assert.Equal(t, tc.expectReplies, replies)
		})
	}
}

func TestReceive_InvalidType(t *testing.T) {
	b, _, _ := newTestBus(t)
	err := b.Receive(mgrcontext.Background(), Message{Type: SessionCreate, Fqdn: fqdn, Plugin: plugin})
	var invalid *mgrerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestSend_NumbersMessages(t *testing.T) {
	b, _, _ := newTestBus(t)
	session := openSession(t, b)
	drain(t, b)

	require.NoError(t, b.Send(session, "a"))
	require.NoError(t, b.Send(session, "b"))

	msgs := drain(t, b)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), msgs[0].SessionSeq)
	assert.Equal(t, `"a"`, string(msgs[0].Body))
	assert.Equal(t, uint64(2), msgs[1].SessionSeq)
	assert.Equal(t, Data, msgs[1].Type)
}

func TestSend_EndedSession(t *testing.T) {
	b, _, _ := newTestBus(t)
	ctx := mgrcontext.Background()
	session := openSession(t, b)
	require.NoError(t, b.Receive(ctx, Message{Type: SessionTerminate, Fqdn: fqdn, Plugin: plugin, SessionID: session.ID}))

	err := b.Send(session, "late")
	var lost *mgrerrors.ErrSessionLost
	assert.ErrorAs(t, err, &lost)
}

func TestTerminate_PurgesQueuedData(t *testing.T) {
	b, handler, _ := newTestBus(t)
	session := openSession(t, b)
	drain(t, b)
	require.NoError(t, b.Send(session, "queued"))

	b.Terminate(mgrcontext.Background(), session)

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{Type: SessionTerminate, Fqdn: fqdn, Plugin: plugin, SessionID: session.ID}, msgs[0])
	assert.Equal(t, []Session{session}, handler.ended)
}

func TestTerminate_ReplacedSession(t *testing.T) {
	b, handler, _ := newTestBus(t)
	ctx := mgrcontext.Background()
	stale := openSession(t, b)
	require.NoError(t, b.Receive(ctx, Message{Type: SessionTerminate, Fqdn: fqdn, Plugin: plugin, SessionID: stale.ID}))
	current := openSession(t, b)
	drain(t, b)

	b.Terminate(ctx, stale)

	assert.Empty(t, drain(t, b))
	session, ok := b.Session(fqdn, plugin)
	require.True(t, ok)
	assert.Equal(t, current, session)
	assert.Equal(t, []Session{stale}, handler.ended)
}

func TestRemoveHost(t *testing.T) {
	b, handler, _ := newTestBus(t)
	ctx := mgrcontext.Background()
	b.Hello(ctx, fqdn, time.Unix(1000, 0))
	session := openSession(t, b)
	drain(t, b)
	require.NoError(t, b.Send(session, "queued"))

	b.RemoveHost(ctx, fqdn)

	_, ok := b.Session(fqdn, plugin)
	assert.False(t, ok)
	assert.Equal(t, []Session{session}, handler.ended)
	assert.Empty(t, drain(t, b))
	var lost *mgrerrors.ErrSessionLost
	assert.ErrorAs(t, b.Send(session, "late"), &lost)

	// A host that comes back is a first contact again.
	b.Hello(ctx, fqdn, time.Unix(1000, 0))
	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, SessionTerminateAll, msgs[0].Type)
}

func TestRequeue(t *testing.T) {
	b, _, _ := newTestBus(t)
	session := openSession(t, b)
	drain(t, b)
	require.NoError(t, b.Send(session, "first"))
	require.NoError(t, b.Send(session, "second"))

	msg, err := b.Next(mgrcontext.Background(), fqdn)
	require.NoError(t, err)
	b.Requeue(msg)

	msgs := drain(t, b)
	require.Len(t, msgs, 2)
	assert.Equal(t, `"first"`, string(msgs[0].Body))

	// Data of an ended session is not requeued.
	b.Terminate(mgrcontext.Background(), session)
	drain(t, b)
	b.Requeue(msgs[1])
	assert.Empty(t, drain(t, b))
}

func TestAwaitSession(t *testing.T) {
	b, _, _ := newTestBus(t)
	ctx, cancel := mgrcontext.WithTimeout(mgrcontext.Background(), 5*time.Second)
	defer cancel()

	result := make(chan Session, 1)
	go func() {
		session, err := b.AwaitSession(ctx, fqdn, plugin)
		if err == nil {
			result <- session
		}
	}()
	session := openSession(t, b)
	select {
	case awaited := <-result:
		assert.Equal(t, session, awaited)
	case <-ctx.Done():
		t.Fatal("session was never seen")
	}
}

func TestAwaitSession_Timeout(t *testing.T) {
	b, _, _ := newTestBus(t)
	ctx, cancel := mgrcontext.WithTimeout(mgrcontext.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.AwaitSession(ctx, fqdn, plugin)
	assert.Error(t, err)
}

func TestContactUsesClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	contacts := database.NewMemoryContactRepository()
	b := New(contacts, clocktesting.NewFakeClock(now), nil)
	require.NoError(t, b.Receive(mgrcontext.Background(), Message{Type: SessionCreateRequest, Fqdn: fqdn, Plugin: plugin}))

	seen, err := contacts.GetContacts()
	require.NoError(t, err)
	assert.Equal(t, now, seen[fqdn].UTC())
	assert.Equal(t, []string{fqdn}, b.Hosts())
}
