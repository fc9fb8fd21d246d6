// Package steps defines the actions a job is made of. A step class is registered once under a stable name and
// is invoked with JSON compatible args; steps that call out to agents do so through an AgentCaller.
package steps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// AgentCaller invokes actions on the agent of a host.
type AgentCaller interface {
	Call(ctx context.Context, fqdn string, action string, args map[string]interface{}) (interface{}, error)
	// AwaitSession blocks until the host's agent has an established session.
	AwaitSession(ctx context.Context, fqdn string) error
}

// View is read access to stateful objects as of the start of the step.
type View interface {
	Get(ref model.ObjectRef) (*model.StatefulObject, bool)
	Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject
}

// Func runs a step. It should poll ctx.CancelCheck between blocking operations and return its result in a JSON
// compatible form.
type Func func(ctx *Context, args map[string]interface{}) (interface{}, error)

// Definition is a registered step class.
type Definition struct {
	Name string
	// Idempotent steps may be retried after a failure; replaying one that has already achieved its
	// post-condition must be a no-op.
	Idempotent bool
	Run        Func
}

// Context is handed to a running step. It embeds the job's context, which is cancelled when the job is.
type Context struct {
	*mgrcontext.Context
	JobID     int64
	StepIndex int
	View      View
	Agent     AgentCaller

	mu         sync.Mutex
	log        strings.Builder
	console    strings.Builder
	attributes map[model.ObjectRef]map[string]interface{}
}

func NewContext(ctx *mgrcontext.Context, jobID int64, stepIndex int, view View, agent AgentCaller) *Context {
	return &Context{
		Context:   ctx,
		JobID:     jobID,
		StepIndex: stepIndex,
		View:      view,
		Agent:     agent,
	}
}

// CancelCheck returns mgrerrors.ErrCancelled once the job has been cancelled.
func (c *Context) CancelCheck() error {
	if c.Err() != nil {
		return mgrerrors.ErrCancelled
	}
	return nil
}

// Logf appends a line to the step's user visible log.
func (c *Context) Logf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	c.log.WriteString(msg)
	c.log.WriteString("\n")
	c.Log.WithField("step", c.StepIndex).Info(msg)
}

// Console appends raw output, e.g. from a remote command, to the step's console.
func (c *Context) Console(output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.console.WriteString(output)
}

func (c *Context) LogText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.String()
}

func (c *Context) ConsoleText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.console.String()
}

// SetAttributes records attribute changes to apply to an object once the job succeeds. Steps never write the
// object cache themselves.
func (c *Context) SetAttributes(ref model.ObjectRef, attrs map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attributes == nil {
		c.attributes = map[model.ObjectRef]map[string]interface{}{}
	}
	if c.attributes[ref] == nil {
		c.attributes[ref] = map[string]interface{}{}
	}
	maps.Copy(c.attributes[ref], attrs)
}

// AttributeChanges returns the recorded attribute changes ordered by object.
func (c *Context) AttributeChanges() []AttributeChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := maps.Keys(c.attributes)
	slices.SortFunc(refs, func(a, b model.ObjectRef) bool { return a.Less(b) })
	changes := make([]AttributeChange, 0, len(refs))
	for _, ref := range refs {
		changes = append(changes, AttributeChange{Object: ref, Attributes: c.attributes[ref]})
	}
	return changes
}

// InvokeAgent calls action on the agent of the host with the given fqdn.
func (c *Context) InvokeAgent(fqdn, action string, args map[string]interface{}) (interface{}, error) {
	if err := c.CancelCheck(); err != nil {
		return nil, err
	}
	if c.Agent == nil {
		return nil, errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "no agent caller configured"})
	}
	c.Logf("Invoking %s on %s", action, fqdn)
	return c.Agent.Call(c, fqdn, action, args)
}

// Sleep waits for d or until the job is cancelled.
func (c *Context) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.Done():
		return mgrerrors.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// AttributeChange is a set of attributes to merge into an object.
type AttributeChange struct {
	Object     model.ObjectRef
	Attributes map[string]interface{}
}

// Registry maps step class names to their definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" || def.Run == nil {
		return errors.Errorf("step definition %q is incomplete", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return errors.WithStack(&mgrerrors.ErrAlreadyExists{Type: "step class", Value: def.Name})
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.defs)
	slices.Sort(names)
	return names
}
