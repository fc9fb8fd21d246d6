package statemachine

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// View is read access to stateful objects, satisfied by the object cache and its snapshots.
type View interface {
	Get(ref model.ObjectRef) (*model.StatefulObject, bool)
	Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject
}

// Edge is a state change performed by a job class.
type Edge struct {
	From string
	To   string
}

// Transition is an edge of a class's state graph labelled with the job class performing it.
type Transition struct {
	Class    model.Class
	From     string
	To       string
	JobClass string
}

// ClassDef declares a class of stateful object.
type ClassDef struct {
	Class         model.Class
	ContentTypeID int
	States        []string
	InitialState  string
	// StateDeps returns what an object in state requires of other objects.
	StateDeps func(view View, obj *model.StatefulObject, state string) []Dependency
	// Dependents returns the objects whose StateDeps may refer to obj.
	Dependents func(view View, obj *model.StatefulObject) []model.ObjectRef
}

// JobClassDef declares a job class. A job class with Edges changes the state of one object of Class;
// one without is a plain job acting on objects through Locks.
type JobClassDef struct {
	Name                 string
	Class                model.Class
	Edges                []Edge
	Verb                 string
	LongDescription      string
	RequiresConfirmation bool
	DisplayGroup         int
	DisplayOrder         int
	// Advertised job classes are offered by AvailableJobs for objects of Class.
	Advertised bool
	// CanRun gates availability for an object. nil means always.
	CanRun func(view View, obj *model.StatefulObject) bool
	// Deps are requirements on other objects beyond the static ones of the new state.
	Deps func(view View, args map[string]interface{}) []Dependency
	// Locks are the locks of a job without Edges. Jobs with Edges get a write lock on their object.
	Locks func(view View, args map[string]interface{}) []model.StateLock
	// Description is a human readable summary of a job with args.
	Description func(view View, args map[string]interface{}) string
	// Steps expands a job into its steps when it starts.
	Steps func(view View, job *model.Job) ([]model.StepSpec, error)
	// OnSuccess returns attribute changes to apply to objects once the job has succeeded.
	OnSuccess func(view View, job *model.Job) []*model.StatefulObject
}

// IsStateChange reports whether jobs of this class drive a state transition.
func (d *JobClassDef) IsStateChange() bool {
	return len(d.Edges) > 0
}

// Registry holds the state graph of every class and the declarations of every job class.
type Registry struct {
	classes       map[model.Class]*ClassDef
	byContentType map[int]model.Class
	jobs          map[string]*JobClassDef
	// outgoing transitions per class and state, ordered by job class name then target state
	outgoing map[model.Class]map[string][]Transition
}

func NewRegistry() *Registry {
	return &Registry{
		classes:       map[model.Class]*ClassDef{},
		byContentType: map[int]model.Class{},
		jobs:          map[string]*JobClassDef{},
		outgoing:      map[model.Class]map[string][]Transition{},
	}
}

func (r *Registry) RegisterClass(def ClassDef) error {
	if _, exists := r.classes[def.Class]; exists {
		return errors.WithStack(&mgrerrors.ErrAlreadyExists{Type: "class", Value: string(def.Class)})
	}
	if other, exists := r.byContentType[def.ContentTypeID]; exists {
		return errors.Errorf("content type %d of %s already used by %s", def.ContentTypeID, def.Class, other)
	}
	if !slices.Contains(def.States, def.InitialState) {
		return errors.Errorf("initial state %q of %s is not one of its states", def.InitialState, def.Class)
	}
	copied := def
	r.classes[def.Class] = &copied
	r.byContentType[def.ContentTypeID] = def.Class
	r.outgoing[def.Class] = map[string][]Transition{}
	return nil
}

func (r *Registry) RegisterJob(def JobClassDef) error {
	if _, exists := r.jobs[def.Name]; exists {
		return errors.WithStack(&mgrerrors.ErrAlreadyExists{Type: "job class", Value: def.Name})
	}
	if def.Steps == nil {
		return errors.Errorf("job class %s has no steps", def.Name)
	}
	if def.IsStateChange() {
		classDef, ok := r.classes[def.Class]
		if !ok {
			return errors.Errorf("job class %s refers to unknown class %s", def.Name, def.Class)
		}
		for _, e := range def.Edges {
			if !slices.Contains(classDef.States, e.From) || !slices.Contains(classDef.States, e.To) {
				return errors.Errorf("job class %s has edge %s->%s outside the states of %s", def.Name, e.From, e.To, def.Class)
			}
		}
		for _, e := range def.Edges {
			t := Transition{Class: def.Class, From: e.From, To: e.To, JobClass: def.Name}
			out := append(r.outgoing[def.Class][e.From], t)
			slices.SortFunc(out, func(a, b Transition) bool {
				if a.JobClass != b.JobClass {
					return a.JobClass < b.JobClass
				}
				return a.To < b.To
			})
			r.outgoing[def.Class][e.From] = out
		}
	} else if def.Locks == nil {
		return errors.Errorf("job class %s changes no state and declares no locks", def.Name)
	}
	copied := def
	r.jobs[def.Name] = &copied
	return nil
}

// Validate checks that every non-terminal state of every class can reach removed.
func (r *Registry) Validate() error {
	for _, class := range r.Classes() {
		def := r.classes[class]
		if !slices.Contains(def.States, model.StateRemoved) {
			return errors.Errorf("class %s has no %s state", class, model.StateRemoved)
		}
		for _, state := range def.States {
			if model.IsTerminal(state) {
				continue
			}
			if _, ok := r.Path(class, state, model.StateRemoved); !ok {
				return errors.Errorf("state %s of class %s cannot reach %s", state, class, model.StateRemoved)
			}
		}
	}
	return nil
}

// Classes returns the registered classes in name order.
func (r *Registry) Classes() []model.Class {
	classes := maps.Keys(r.classes)
	slices.Sort(classes)
	return classes
}

func (r *Registry) Class(class model.Class) (*ClassDef, bool) {
	def, ok := r.classes[class]
	return def, ok
}

func (r *Registry) ClassForContentType(contentTypeID int) (model.Class, bool) {
	class, ok := r.byContentType[contentTypeID]
	return class, ok
}

func (r *Registry) ContentTypeID(class model.Class) int {
	if def, ok := r.classes[class]; ok {
		return def.ContentTypeID
	}
	return 0
}

func (r *Registry) Job(name string) (*JobClassDef, bool) {
	def, ok := r.jobs[name]
	return def, ok
}

// States returns the states of class in declaration order.
func (r *Registry) States(class model.Class) []string {
	if def, ok := r.classes[class]; ok {
		return append([]string(nil), def.States...)
	}
	return nil
}

// Path returns the shortest sequence of transitions taking an object of class from one state to another.
// Ties are broken by job class name. ok is false when there is no route; a path from a state to itself is
// empty.
func (r *Registry) Path(class model.Class, from, to string) ([]Transition, bool) {
	if from == to {
		return nil, true
	}
	graph, exists := r.outgoing[class]
	if !exists {
		return nil, false
	}
	parents := map[string]Transition{}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for _, t := range graph[state] {
			if visited[t.To] {
				continue
			}
			visited[t.To] = true
			parents[t.To] = t
			if t.To == to {
				return unwind(parents, from, to), true
			}
			queue = append(queue, t.To)
		}
	}
	return nil, false
}

func unwind(parents map[string]Transition, from, to string) []Transition {
	var path []Transition
	for state := to; state != from; {
		t := parents[state]
		path = append(path, t)
		state = t.From
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// StateDeps returns what obj requires of other objects while it is in state.
func (r *Registry) StateDeps(view View, obj *model.StatefulObject, state string) []Dependency {
	def, ok := r.classes[obj.Ref.Class]
	if !ok || def.StateDeps == nil {
		return nil
	}
	return def.StateDeps(view, obj, state)
}

// Dependents returns objects whose requirements may refer to obj, ordered by ref.
func (r *Registry) Dependents(view View, obj *model.StatefulObject) []model.ObjectRef {
	def, ok := r.classes[obj.Ref.Class]
	if !ok || def.Dependents == nil {
		return nil
	}
	refs := def.Dependents(view, obj)
	slices.SortFunc(refs, func(a, b model.ObjectRef) bool { return a.Less(b) })
	return refs
}

// Deps expands the dependencies of a job of jobClass with args: the job class's own requirements and, for
// a state change, what the object will require in its new state.
func (r *Registry) Deps(view View, jobClass string, args map[string]interface{}) ([]Dependency, error) {
	def, ok := r.jobs[jobClass]
	if !ok {
		return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonUnknownJobClass, Message: jobClass})
	}
	var deps []Dependency
	if def.Deps != nil {
		deps = append(deps, def.Deps(view, args)...)
	}
	if def.IsStateChange() {
		ref, err := model.ObjectFromArgs(args)
		if err != nil {
			return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonInvalidJobArgs, Message: err.Error()})
		}
		obj, ok := view.Get(ref)
		if !ok {
			return nil, errors.WithStack(&mgrerrors.ErrScheduling{Reason: mgrerrors.ReasonUnknownRef, Object: ref.String()})
		}
		for _, d := range r.StateDeps(view, obj, model.StringArg(args, model.ArgNewState)) {
			d.Static = true
			deps = append(deps, d)
		}
	}
	return dedupe(deps), nil
}

// dedupe keeps the first dependency per object.
func dedupe(deps []Dependency) []Dependency {
	seen := map[model.ObjectRef]bool{}
	out := deps[:0]
	for _, d := range deps {
		if seen[d.Object] {
			continue
		}
		seen[d.Object] = true
		out = append(out, d)
	}
	return out
}

// AvailableTransition is a state an object can be sent to, labelled for display.
type AvailableTransition struct {
	State                string `json:"state"`
	Verb                 string `json:"verb"`
	JobClass             string `json:"job_class"`
	LongDescription      string `json:"long_description"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	DisplayGroup         int    `json:"display_group"`
	DisplayOrder         int    `json:"display_order"`
}

// AvailableJob is a job class that can be run against an object, with the args to run it with.
type AvailableJob struct {
	Class                string                 `json:"class_name"`
	Verb                 string                 `json:"verb"`
	Args                 map[string]interface{} `json:"args"`
	LongDescription      string                 `json:"long_description"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	DisplayGroup         int                    `json:"display_group"`
	DisplayOrder         int                    `json:"display_order"`
}

// AvailableTransitions lists the states obj can be sent to: every reachable state whose final transition
// has a verb and whose job class can run. Observed-only objects have none.
func (r *Registry) AvailableTransitions(view View, obj *model.StatefulObject) []AvailableTransition {
	def, ok := r.classes[obj.Ref.Class]
	if !ok || obj.ImmutableState {
		return nil
	}
	var available []AvailableTransition
	for _, state := range def.States {
		if state == obj.State {
			continue
		}
		path, ok := r.Path(obj.Ref.Class, obj.State, state)
		if !ok {
			continue
		}
		jobDef := r.jobs[path[len(path)-1].JobClass]
		if jobDef.Verb == "" || (jobDef.CanRun != nil && !jobDef.CanRun(view, obj)) {
			continue
		}
		available = append(available, AvailableTransition{
			State:                state,
			Verb:                 jobDef.Verb,
			JobClass:             jobDef.Name,
			LongDescription:      jobDef.LongDescription,
			RequiresConfirmation: jobDef.RequiresConfirmation,
			DisplayGroup:         jobDef.DisplayGroup,
			DisplayOrder:         jobDef.DisplayOrder,
		})
	}
	slices.SortFunc(available, func(a, b AvailableTransition) bool {
		return displayLess(a.DisplayGroup, a.DisplayOrder, a.State, b.DisplayGroup, b.DisplayOrder, b.State)
	})
	return available
}

// AvailableJobs lists the advertised job classes that can run against obj.
func (r *Registry) AvailableJobs(view View, obj *model.StatefulObject) []AvailableJob {
	var available []AvailableJob
	for _, def := range r.jobs {
		if !def.Advertised || def.Class != obj.Ref.Class {
			continue
		}
		if def.CanRun != nil && !def.CanRun(view, obj) {
			continue
		}
		available = append(available, AvailableJob{
			Class:                def.Name,
			Verb:                 def.Verb,
			Args:                 model.ObjectArgs(obj.Ref),
			LongDescription:      def.LongDescription,
			RequiresConfirmation: def.RequiresConfirmation,
			DisplayGroup:         def.DisplayGroup,
			DisplayOrder:         def.DisplayOrder,
		})
	}
	slices.SortFunc(available, func(a, b AvailableJob) bool {
		return displayLess(a.DisplayGroup, a.DisplayOrder, a.Class, b.DisplayGroup, b.DisplayOrder, b.Class)
	})
	return available
}

func displayLess(groupA, orderA int, nameA string, groupB, orderB int, nameB string) bool {
	if groupA != groupB {
		return groupA < groupB
	}
	if orderA != orderB {
		return orderA < orderB
	}
	return nameA < nameB
}

// Describe returns the description of a job, falling back to its class name and args.
func (r *Registry) Describe(view View, jobClass string, args map[string]interface{}) string {
	def, ok := r.jobs[jobClass]
	if ok && def.Description != nil {
		return def.Description(view, args)
	}
	return fmt.Sprintf("%s %v", jobClass, args)
}

// Locks returns the locks of a job that is not a state change.
func (r *Registry) Locks(view View, jobClass string, args map[string]interface{}) []model.StateLock {
	def, ok := r.jobs[jobClass]
	if !ok || def.Locks == nil {
		return nil
	}
	return def.Locks(view, args)
}
