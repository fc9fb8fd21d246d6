// Package rpc runs actions on agents. Each call is an ACTION_START message on the host's action_runner
// session, answered by an ACTION_DONE carrying the same call id.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/agent/bus"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/common/util"
)

// Plugin is the agent plugin that runs actions.
const Plugin = "action_runner"

const DefaultCancelledCallExpiry = 10 * time.Minute

const (
	ActionStart  = "ACTION_START"
	ActionCancel = "ACTION_CANCEL"
	ActionDone   = "ACTION_DONE"
)

// Request is sent to the agent to start or cancel an action.
type Request struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Action string                 `json:"action,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Response is sent by the agent when an action finishes. A non-empty Exception means the action failed.
type Response struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Exception string          `json:"exception,omitempty"`
	Backtrace string          `json:"backtrace,omitempty"`
	Console   string          `json:"console,omitempty"`
}

// consoleWriter is implemented by contexts that collect the console output of remote commands.
type consoleWriter interface {
	Console(output string)
}

type outcome struct {
	result interface{}
	err    error
}

type call struct {
	id      string
	session bus.Session
	action  string
	console consoleWriter
	done    chan outcome
}

type Dispatcher struct {
	bus                *bus.Bus
	sessionWaitTimeout time.Duration
	clock              clock.Clock

	mu    sync.Mutex
	calls map[string]*call
	// ids of calls abandoned by their caller, so that late responses are recognised
	cancelled *cache.Cache
	metrics   *dispatcherMetrics
	log       *logrus.Entry
}

// NewDispatcher creates a dispatcher and registers it as the bus's action_runner handler. Calls wait up to
// sessionWaitTimeout for the host's agent to have a session.
func NewDispatcher(b *bus.Bus, sessionWaitTimeout time.Duration, clock clock.Clock, registerer prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		bus:                b,
		sessionWaitTimeout: sessionWaitTimeout,
		clock:              clock,
		calls:              map[string]*call{},
		cancelled:          cache.New(DefaultCancelledCallExpiry, DefaultCancelledCallExpiry),
		metrics:            newDispatcherMetrics(registerer),
		log:                logrus.WithField("plugin", Plugin),
	}
	b.RegisterHandler(Plugin, d)
	return d
}

// SetCancelledCallExpiry changes how long ids of abandoned calls are remembered. Must be called before the
// first Call.
func (d *Dispatcher) SetCancelledCallExpiry(expiry time.Duration) {
	d.cancelled = cache.New(expiry, expiry)
}

// Call runs action on the agent of fqdn and returns its decoded JSON result. It fails with ErrSessionLost if
// there is no session within the session wait timeout or the session ends before the action completes, with
// ErrStepFailed if the action raised, and with ErrCancelled or ErrTimeout if ctx ends first.
func (d *Dispatcher) Call(ctx context.Context, fqdn string, action string, args map[string]interface{}) (interface{}, error) {
	start := d.clock.Now()
	logCtx := mgrcontext.New(ctx, d.log.WithFields(logrus.Fields{"fqdn": fqdn, "action": action}))
	session, err := d.awaitSession(logCtx, fqdn)
	if err != nil {
		return nil, err
	}

	c := &call{
		id:      util.NewULID(),
		session: session,
		action:  action,
		done:    make(chan outcome, 1),
	}
	if console, ok := ctx.(consoleWriter); ok {
		c.console = console
	}
	d.mu.Lock()
	d.calls[c.id] = c
	d.mu.Unlock()
	d.metrics.inFlight.Inc()
	defer d.metrics.inFlight.Dec()

	logCtx.Log.WithField("call", c.id).Debug("Starting action")
	if err := d.bus.Send(session, Request{Type: ActionStart, ID: c.id, Action: action, Args: args}); err != nil {
		d.forget(c.id)
		return nil, err
	}

	select {
	case o := <-c.done:
		d.metrics.calls.WithLabelValues(action, outcomeLabel(o.err)).Inc()
		d.metrics.duration.WithLabelValues(action).Observe(d.clock.Since(start).Seconds())
		return o.result, o.err
	case <-ctx.Done():
	}

	if d.forget(c.id) {
		logCtx.Log.WithField("call", c.id).Warn("Cancelling action")
		d.cancelled.SetDefault(c.id, struct{}{})
		if err := d.bus.Send(session, Request{Type: ActionCancel, ID: c.id}); err != nil {
			logCtx.Log.WithError(err).Debug("Could not send cancellation")
		}
	}
	err = contextError(ctx, action, start)
	d.metrics.calls.WithLabelValues(action, outcomeLabel(err)).Inc()
	return nil, err
}

// AwaitSession waits up to the session wait timeout for fqdn's agent to have a session.
func (d *Dispatcher) AwaitSession(ctx context.Context, fqdn string) error {
	_, err := d.awaitSession(mgrcontext.New(ctx, d.log.WithField("fqdn", fqdn)), fqdn)
	return err
}

func (d *Dispatcher) awaitSession(ctx *mgrcontext.Context, fqdn string) (bus.Session, error) {
	if session, ok := d.bus.Session(fqdn, Plugin); ok {
		return session, nil
	}
	ctx.Log.Infof("Waiting up to %s for a session", d.sessionWaitTimeout)
	waitCtx, cancel := mgrcontext.WithTimeout(ctx, d.sessionWaitTimeout)
	defer cancel()
	session, err := d.bus.AwaitSession(waitCtx, fqdn, Plugin)
	if err == nil {
		return session, nil
	}
	if ctx.Err() != nil {
		return bus.Session{}, contextError(ctx, "await session", d.clock.Now())
	}
	return bus.Session{}, errors.WithStack(&mgrerrors.ErrSessionLost{Fqdn: fqdn})
}

// forget removes a call, reporting whether it was still in flight.
func (d *Dispatcher) forget(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.calls[id]
	delete(d.calls, id)
	return ok
}

func (d *Dispatcher) SessionStarted(ctx *mgrcontext.Context, session bus.Session) {
	ctx.Log.WithField("session", session.ID).Debug("Action runner session started")
}

// SessionEnded fails every call in flight on the session.
func (d *Dispatcher) SessionEnded(ctx *mgrcontext.Context, session bus.Session) {
	d.mu.Lock()
	var lost []*call
	for id, c := range d.calls {
		if c.session.ID == session.ID {
			lost = append(lost, c)
			delete(d.calls, id)
		}
	}
	d.mu.Unlock()
	if len(lost) > 0 {
		ctx.Log.WithField("session", session.ID).Warnf("Session ended with %d actions in flight", len(lost))
	}
	for _, c := range lost {
		c.done <- outcome{err: errors.WithStack(&mgrerrors.ErrSessionLost{Fqdn: session.Fqdn, SessionID: session.ID})}
	}
}

// Receive completes the call an ACTION_DONE refers to. Anything else breaks the protocol and the session is
// reset, which fails the calls in flight on it.
func (d *Dispatcher) Receive(ctx *mgrcontext.Context, session bus.Session, body json.RawMessage) {
	var response Response
	if err := json.Unmarshal(body, &response); err != nil {
		ctx.Log.WithError(err).Errorf("Malformed action response, resetting session %s", session.ID)
		d.bus.Terminate(ctx, session)
		return
	}
	if response.Type != ActionDone {
		ctx.Log.Errorf("Unexpected action message type %q, resetting session %s", response.Type, session.ID)
		d.bus.Terminate(ctx, session)
		return
	}
	ctx = mgrcontext.WithLogField(ctx, "call", response.ID)

	d.mu.Lock()
	c, ok := d.calls[response.ID]
	if ok && c.session.ID == session.ID {
		delete(d.calls, response.ID)
	}
	d.mu.Unlock()
	if !ok {
		if _, cancelled := d.cancelled.Get(response.ID); cancelled {
			ctx.Log.Debug("Response to a cancelled action")
		} else {
			ctx.Log.Error("Response to an unknown action")
		}
		return
	}
	if c.session.ID != session.ID {
		ctx.Log.Warnf("Response arrived on session %s, not %s", session.ID, c.session.ID)
		return
	}

	if c.console != nil && response.Console != "" {
		c.console.Console(response.Console)
	}
	if response.Exception != "" {
		c.done <- outcome{err: errors.WithStack(&mgrerrors.ErrStepFailed{
			Step:      c.action,
			Message:   response.Exception,
			Backtrace: response.Backtrace,
		})}
		return
	}
	var result interface{}
	if len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, &result); err != nil {
			c.done <- outcome{err: errors.WithStack(&mgrerrors.ErrStepFailed{
				Step:    c.action,
				Message: "malformed result: " + err.Error(),
			})}
			return
		}
	}
	c.done <- outcome{result: result}
}

func contextError(ctx context.Context, action string, start time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		timeout := time.Duration(0)
		if deadline, ok := ctx.Deadline(); ok {
			timeout = deadline.Sub(start)
		}
		return errors.WithStack(&mgrerrors.ErrTimeout{Action: action, Timeout: timeout})
	}
	return mgrerrors.ErrCancelled
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(mgrerrors.KindOf(err))
}
