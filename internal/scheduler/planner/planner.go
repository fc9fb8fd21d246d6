// Package planner turns intents ("bring object X to state S", "run job J") into an ordered set of jobs.
// Planning is pure: it reads a view of the objects and the queue of writes already scheduled, and never
// persists anything.
package planner

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
)

// Intent asks for Object to be brought to State.
type Intent struct {
	Object model.ObjectRef `json:"object"`
	State  string          `json:"state"`
}

// JobSpec asks for one job to be run. DependsOn lists indexes of earlier specs in the same request that must
// complete first.
type JobSpec struct {
	Class     string                 `json:"class_name"`
	Args      map[string]interface{} `json:"args"`
	DependsOn []int                  `json:"depends_on,omitempty"`
}

// QueuedWrites reports the write locks of jobs planned by earlier commands that have not completed yet.
type QueuedWrites interface {
	LatestWrite(object model.ObjectRef) (int64, model.StateLock, bool)
}

// PlannedJob is a job of a plan. Jobs of a plan are in dependency order: WaitFor only refers to earlier
// entries.
type PlannedJob struct {
	Index int
	Class string
	Args  map[string]interface{}
	Locks []model.StateLock
	// indexes of jobs of this plan that must succeed first
	WaitFor []int
	// ids of jobs of earlier commands that must succeed first
	WaitForJobs          []int64
	Object               model.ObjectRef
	FromState            string
	ToState              string
	Description          string
	RequiresConfirmation bool
}

// Plan is the outcome of planning an intent.
type Plan struct {
	Jobs []*PlannedJob
}

// Consequences describes what a state change would do: the job performing the requested transition and
// every job it needs first.
type Consequences struct {
	TransitionJob  *PlannedJob
	DependencyJobs []*PlannedJob
}

type Planner struct {
	registry *statemachine.Registry
	queued   QueuedWrites
}

func New(registry *statemachine.Registry, queued QueuedWrites) *Planner {
	return &Planner{registry: registry, queued: queued}
}

// PlanStateChanges plans the jobs bringing every intent's object to its state, including whatever other
// objects have to change first. The same intents against the same view always give the same plan.
func (p *Planner) PlanStateChanges(view statemachine.View, intents []Intent) (*Plan, error) {
	b := p.newBuilder(view)
	for _, intent := range intents {
		if _, err := b.run(&pathFrame{ref: intent.Object, state: intent.State}); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// PlanJobs plans the given jobs and whatever their dependencies require.
func (p *Planner) PlanJobs(view statemachine.View, specs []JobSpec) (*Plan, error) {
	b := p.newBuilder(view)
	planned := make([]*node, len(specs))
	for i, spec := range specs {
		f, err := b.emitJob(spec)
		if err != nil {
			return nil, err
		}
		n, err := b.run(f)
		if err != nil {
			return nil, err
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= i {
				return nil, errors.WithStack(&mgrerrors.ErrScheduling{
					Reason:  mgrerrors.ReasonInvalidJobArgs,
					Message: "depends_on must refer to an earlier job",
				})
			}
			n.waitOn(planned[dep])
		}
		planned[i] = n
	}
	return b.finish()
}

// Consequences plans a single state change without persisting it.
func (p *Planner) Consequences(view statemachine.View, object model.ObjectRef, state string) (*Consequences, error) {
	b := p.newBuilder(view)
	last, err := b.run(&pathFrame{ref: object, state: state})
	if err != nil {
		return nil, err
	}
	plan, err := b.finish()
	if err != nil {
		return nil, err
	}
	consequences := &Consequences{}
	for _, job := range plan.Jobs {
		if last != nil && job.Index == last.index {
			consequences.TransitionJob = job
		} else {
			consequences.DependencyJobs = append(consequences.DependencyJobs, job)
		}
	}
	return consequences, nil
}

type stateKey struct {
	object model.ObjectRef
	state  string
}

type node struct {
	seq      int
	class    string
	args     map[string]interface{}
	write    []model.StateLock
	reads    map[model.ObjectRef]bool
	waitFor  map[*node]bool
	external map[int64]bool
	object   model.ObjectRef
	from     string
	to       string
	// position in the final plan
	index int
}

func (n *node) waitOn(other *node) {
	if other != nil && other != n {
		n.waitFor[other] = true
	}
}

func (n *node) waitOnJob(jobID int64) {
	if jobID != 0 {
		n.external[jobID] = true
	}
}

func (n *node) writes(object model.ObjectRef) bool {
	for _, l := range n.write {
		if l.Object == object {
			return true
		}
	}
	return false
}

type builder struct {
	registry *statemachine.Registry
	queued   QueuedWrites
	view     statemachine.View
	nodes    []*node
	// state each object will be in once the jobs planned so far have run
	expected map[model.ObjectRef]string
	// last job planned for each object
	lastFor    map[model.ObjectRef]*node
	visited    map[stateKey]*node
	inProgress map[stateKey]bool
	// objects whose transition is still collecting its dependencies, with the state they leave
	moving map[model.ObjectRef]string
}

func (p *Planner) newBuilder(view statemachine.View) *builder {
	return &builder{
		registry:   p.registry,
		queued:     p.queued,
		view:       view,
		expected:   map[model.ObjectRef]string{},
		lastFor:    map[model.ObjectRef]*node{},
		visited:    map[stateKey]*node{},
		inProgress: map[stateKey]bool{},
		moving:     map[model.ObjectRef]string{},
	}
}

func (b *builder) newNode(class string, args map[string]interface{}) *node {
	n := &node{
		seq:      len(b.nodes),
		class:    class,
		args:     args,
		reads:    map[model.ObjectRef]bool{},
		waitFor:  map[*node]bool{},
		external: map[int64]bool{},
	}
	b.nodes = append(b.nodes, n)
	return n
}

// current is the state obj is planned to be in, or its cached state if no job of this plan touches it.
func (b *builder) current(obj *model.StatefulObject) string {
	if state, ok := b.expected[obj.Ref]; ok {
		return state
	}
	return obj.State
}

// expectedState is the state ref will be in once everything already planned has run: the state a job of
// this plan leaves it in, else the end state of the latest queued write lock of an earlier command, else its
// cached state. after and jobID are what to wait for to see it there.
func (b *builder) expectedState(ref model.ObjectRef) (state string, after *node, jobID int64, err error) {
	if state, ok := b.expected[ref]; ok {
		return state, b.lastFor[ref], 0, nil
	}
	if b.queued != nil {
		if id, lock, ok := b.queued.LatestWrite(ref); ok && lock.EndState != "" {
			return lock.EndState, nil, id, nil
		}
	}
	obj, err := b.object(ref)
	if err != nil {
		return "", nil, 0, err
	}
	return obj.State, nil, 0, nil
}

func (b *builder) object(ref model.ObjectRef) (*model.StatefulObject, error) {
	obj, ok := b.view.Get(ref)
	if !ok {
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonUnknownRef, Object: ref.String()})
	}
	return obj, nil
}

func cycleError(ref model.ObjectRef, state string) error {
	return errors.WithStack(&mgrerrors.ErrScheduling{
		Reason:  mgrerrors.ReasonCycle,
		Object:  ref.String(),
		Message: "reaching " + state + " requires itself",
	})
}

// frame is a unit of planning on the work stack. resume either returns a frame to run first, after which it
// is resumed with that frame's result, or finishes with its own result.
type frame interface {
	resume(b *builder, child *node) (push frame, result *node, err error)
}

// run plans root and everything it leads to, depth first, without recursing.
func (b *builder) run(root frame) (*node, error) {
	stack := []frame{root}
	var child *node
	for {
		top := stack[len(stack)-1]
		push, result, err := top.resume(b, child)
		if err != nil {
			return nil, err
		}
		if push != nil {
			stack = append(stack, push)
			child = nil
			continue
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return result, nil
		}
		child = result
	}
}

// pathFrame plans the transitions taking ref to state. Its result is the job after which ref will be there,
// or nil when nothing needs to run.
type pathFrame struct {
	ref   model.ObjectRef
	state string
	// from overrides the state the path starts at; by default it is the state planned so far or cached
	from string
	// job of an earlier command the first transition waits for
	afterJob int64

	obj  *model.StatefulObject
	path []statemachine.Transition
	next int
	last *node
}

func (f *pathFrame) resume(b *builder, child *node) (frame, *node, error) {
	key := stateKey{object: f.ref, state: f.state}
	if f.obj == nil {
		if n, ok := b.visited[key]; ok && n != nil && n == b.lastFor[f.ref] {
			return nil, n, nil
		}
		if b.inProgress[key] {
			return nil, nil, cycleError(f.ref, f.state)
		}
		obj, err := b.object(f.ref)
		if err != nil {
			return nil, nil, err
		}
		if obj.ImmutableState {
			return nil, nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonImmutable, Object: f.ref.String()})
		}
		if !slices.Contains(b.registry.States(f.ref.Class), f.state) {
			return nil, nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonUnknownState, Object: f.ref.String(), Message: f.state})
		}
		from := f.from
		if from == "" {
			from = b.current(obj)
		}
		if from == f.state {
			n := b.lastFor[f.ref]
			b.visited[key] = n
			return nil, n, nil
		}
		path, ok := b.registry.Path(f.ref.Class, from, f.state)
		if !ok {
			return nil, nil, errors.WithStack(&mgrerrors.ErrScheduling{
				Reason:  mgrerrors.ReasonNoRoute,
				Object:  f.ref.String(),
				Message: "no route from " + from + " to " + f.state,
			})
		}
		b.inProgress[key] = true
		f.obj, f.path = obj, path
	} else {
		f.last = child
	}
	if f.next < len(f.path) {
		t := f.path[f.next]
		f.next++
		var afterJob int64
		if f.next == 1 {
			afterJob = f.afterJob
		}
		push, err := b.transition(f.obj, t, afterJob)
		return push, nil, err
	}
	delete(b.inProgress, key)
	b.visited[key] = f.last
	return nil, f.last, nil
}

// transition plans one state change of obj. The returned frame brings its dependencies into line and moves
// whatever depends on obj in a way the change would break.
func (b *builder) transition(obj *model.StatefulObject, t statemachine.Transition, afterJob int64) (frame, error) {
	n := b.newNode(t.JobClass, model.StateChangeArgs(obj.Ref, t.From, t.To))
	n.object, n.from, n.to = obj.Ref, t.From, t.To
	n.write = []model.StateLock{model.WriteLock(obj.Ref, t.From, t.To)}
	n.waitOn(b.lastFor[obj.Ref])
	n.waitOnJob(afterJob)
	b.lastFor[obj.Ref] = n
	b.expected[obj.Ref] = t.To
	deps, err := b.registry.Deps(b.view, n.class, n.args)
	if err != nil {
		return nil, err
	}
	b.moving[obj.Ref] = t.From
	return &depsFrame{
		n:          n,
		deps:       deps,
		changing:   obj,
		dependents: b.registry.Dependents(b.view, obj),
	}, nil
}

// emitJob plans one job of a run_jobs request.
func (b *builder) emitJob(spec JobSpec) (frame, error) {
	def, ok := b.registry.Job(spec.Class)
	if !ok {
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonUnknownJobClass, Message: spec.Class})
	}
	ref, err := model.ObjectFromArgs(spec.Args)
	if err != nil {
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonInvalidJobArgs, Message: err.Error()})
	}
	obj, err := b.object(ref)
	if err != nil {
		return nil, err
	}
	if def.IsStateChange() {
		newState := model.StringArg(spec.Args, model.ArgNewState)
		from := b.current(obj)
		for _, e := range def.Edges {
			if e.From == from && e.To == newState {
				if obj.ImmutableState {
					return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonImmutable, Object: ref.String()})
				}
				return b.transition(obj, statemachine.Transition{Class: ref.Class, From: from, To: newState, JobClass: def.Name}, 0)
			}
		}
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{
			Reason:  mgrerrors.ReasonInvalidJobArgs,
			Object:  ref.String(),
			Message: def.Name + " cannot take " + ref.String() + " from " + from + " to " + newState,
		})
	}

	n := b.newNode(def.Name, spec.Args)
	n.object = ref
	for _, l := range b.registry.Locks(b.view, def.Name, spec.Args) {
		if !l.IsWrite() {
			n.reads[l.Object] = true
			continue
		}
		n.write = append(n.write, l)
		n.waitOn(b.lastFor[l.Object])
		b.lastFor[l.Object] = n
		if l.EndState != "" {
			b.expected[l.Object] = l.EndState
		}
	}
	for object := range n.reads {
		if n.writes(object) {
			delete(n.reads, object)
		}
	}
	deps, err := b.registry.Deps(b.view, def.Name, spec.Args)
	if err != nil {
		return nil, err
	}
	return &depsFrame{n: n, deps: deps}, nil
}

// depsFrame makes n wait for the jobs bringing its dependencies into line and read locks them. For a state
// change of changing it then moves every dependent whose requirements the new state would break to its fix
// state first.
type depsFrame struct {
	n    *node
	deps []statemachine.Dependency
	next int

	changing      *model.StatefulObject
	dependents    []model.ObjectRef
	nextDependent int
}

func (f *depsFrame) resume(b *builder, child *node) (frame, *node, error) {
	f.n.waitOn(child)
	for f.next < len(f.deps) {
		d := f.deps[f.next]
		f.next++
		push, err := b.satisfy(f.n, d)
		if err != nil || push != nil {
			return push, nil, err
		}
	}
	for f.changing != nil && f.nextDependent < len(f.dependents) {
		ref := f.dependents[f.nextDependent]
		f.nextDependent++
		push, err := b.fixDependent(f.changing, f.n.to, ref)
		if err != nil || push != nil {
			return push, nil, err
		}
	}
	if f.changing != nil {
		delete(b.moving, f.changing.Ref)
	}
	return nil, f.n, nil
}

// satisfy returns the frame planning whatever is needed for d to hold by the time n runs, or nil when d
// already holds once the jobs it waits for have run.
func (b *builder) satisfy(n *node, d statemachine.Dependency) (frame, error) {
	if n.writes(d.Object) {
		return nil, nil
	}
	n.reads[d.Object] = true
	if from, ok := b.moving[d.Object]; ok {
		// the object is changing in a transition that waits for n
		if d.Static || d.Satisfied(from) {
			return nil, nil
		}
		return nil, cycleError(d.Object, d.PreferredState)
	}
	state, after, jobID, err := b.expectedState(d.Object)
	if err != nil {
		return nil, err
	}
	if d.Satisfied(state) {
		n.waitOn(after)
		n.waitOnJob(jobID)
		return nil, nil
	}
	return &pathFrame{ref: d.Object, state: d.PreferredState, from: state, afterJob: jobID}, nil
}

// fixDependent returns the frame moving ref to its fix state when its requirements on changing break in
// newState.
func (b *builder) fixDependent(changing *model.StatefulObject, newState string, ref model.ObjectRef) (frame, error) {
	if ref == changing.Ref {
		return nil, nil
	}
	if _, ok := b.moving[ref]; ok {
		return nil, nil
	}
	dependent, ok := b.view.Get(ref)
	if !ok || dependent.ImmutableState {
		return nil, nil
	}
	state, _, jobID, err := b.expectedState(ref)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(state) {
		return nil, nil
	}
	for _, d := range b.registry.StateDeps(b.view, dependent, state) {
		if d.Object != changing.Ref || d.Satisfied(newState) || d.FixState == "" {
			continue
		}
		return &pathFrame{ref: ref, state: d.FixState, from: state, afterJob: jobID}, nil
	}
	return nil, nil
}

// finish orders the jobs so that every job comes after those it waits for. Ties go to the job planned first.
func (b *builder) finish() (*Plan, error) {
	remaining := map[*node]int{}
	dependents := map[*node][]*node{}
	for _, n := range b.nodes {
		remaining[n] = len(n.waitFor)
		for dep := range n.waitFor {
			dependents[dep] = append(dependents[dep], n)
		}
	}
	var ready []*node
	for _, n := range b.nodes {
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}
	plan := &Plan{}
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, c *node) bool { return a.seq < c.seq })
		n := ready[0]
		ready = ready[1:]
		n.index = len(plan.Jobs)
		plan.Jobs = append(plan.Jobs, b.toPlannedJob(n))
		for _, dependent := range dependents[n] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(plan.Jobs) != len(b.nodes) {
		var stuck []string
		for _, n := range b.nodes {
			if remaining[n] > 0 {
				stuck = append(stuck, n.class)
			}
		}
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{
			Reason:  mgrerrors.ReasonCycle,
			Message: "jobs wait for each other: " + joinSorted(stuck),
		})
	}
	// waitFor indexes are only known once every job has its position
	for i, n := range orderedByIndex(b.nodes) {
		for dep := range n.waitFor {
			plan.Jobs[i].WaitFor = append(plan.Jobs[i].WaitFor, dep.index)
		}
		slices.Sort(plan.Jobs[i].WaitFor)
	}
	return plan, nil
}

func (b *builder) toPlannedJob(n *node) *PlannedJob {
	locks := append([]model.StateLock(nil), n.write...)
	reads := maps.Keys(n.reads)
	slices.SortFunc(reads, func(a, c model.ObjectRef) bool { return a.Less(c) })
	for _, ref := range reads {
		locks = append(locks, model.ReadLock(ref))
	}
	external := maps.Keys(n.external)
	slices.Sort(external)
	job := &PlannedJob{
		Index:       n.index,
		Class:       n.class,
		Args:        n.args,
		Locks:       locks,
		WaitForJobs: external,
		Object:      n.object,
		FromState:   n.from,
		ToState:     n.to,
		Description: b.registry.Describe(b.view, n.class, n.args),
	}
	if def, ok := b.registry.Job(n.class); ok {
		job.RequiresConfirmation = def.RequiresConfirmation
	}
	return job
}

func orderedByIndex(nodes []*node) []*node {
	ordered := append([]*node(nil), nodes...)
	slices.SortFunc(ordered, func(a, c *node) bool { return a.index < c.index })
	return ordered
}

func joinSorted(names []string) string {
	slices.Sort(names)
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += name
	}
	return out
}
