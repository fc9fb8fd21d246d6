package statemachine

import (
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Dependency is a requirement that Object be in one of AcceptableStates. When planning has to bring the
// object into line it aims for PreferredState. FixState is the state the dependent object must move to
// when Object is about to leave AcceptableStates.
type Dependency struct {
	Object           model.ObjectRef
	PreferredState   string
	AcceptableStates []string
	FixState         string
	// Static is set on requirements of the new state of an object, as opposed to those of the job class.
	Static bool
}

// DependOn requires object to be in preferred, or in any of the extra acceptable states.
func DependOn(object model.ObjectRef, preferred string, acceptable ...string) Dependency {
	states := append([]string{preferred}, acceptable...)
	return Dependency{Object: object, PreferredState: preferred, AcceptableStates: states}
}

// WithFix returns a copy of d with the state its dependent falls back to.
func (d Dependency) WithFix(fixState string) Dependency {
	d.FixState = fixState
	return d
}

func (d Dependency) Satisfied(state string) bool {
	return slices.Contains(d.AcceptableStates, state)
}

// DependAll flattens groups of dependencies that must all hold.
func DependAll(groups ...[]Dependency) []Dependency {
	var all []Dependency
	for _, g := range groups {
		all = append(all, g...)
	}
	return all
}

// DependAny picks, from alternatives, the first dependency already satisfied by the view. If none is,
// the first alternative is returned so that planning brings it about.
func DependAny(view View, alternatives ...Dependency) []Dependency {
	if len(alternatives) == 0 {
		return nil
	}
	for _, d := range alternatives {
		if obj, ok := view.Get(d.Object); ok && d.Satisfied(obj.State) {
			return []Dependency{d}
		}
	}
	return alternatives[:1]
}
