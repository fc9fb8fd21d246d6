package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Observation is a change to an object seen by an agent, as opposed to one made by a job.
type Observation struct {
	Object model.ObjectRef
	// when the agent saw the change
	At time.Time
	// new state, or empty for attribute-only changes
	State      string
	Attributes map[string]interface{}
	// when set, the observation only applies to an object currently in one of these states
	FromStates []string
}

// Notify applies an observation to the object cache and reports whether it was applied. Observations of
// unknown objects, observations older than the object's last state change and observations whose FromStates
// do not match are dropped. While a job holds a write lock on the object, state changes are dropped and
// attribute changes are kept until the lock is released.
func (s *Scheduler) Notify(ctx *mgrcontext.Context, obs Observation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = mgrcontext.WithLogField(ctx, "object", obs.Object.String())

	obj, ok := s.cache.Get(obs.Object)
	if !ok {
		ctx.Log.Debug("Dropping notification for unknown object")
		return false, nil
	}
	if obs.State != "" && !slices.Contains(s.registry.States(obs.Object.Class), obs.State) {
		return false, errors.WithStack(&mgrerrors.ErrInvalidArgument{
			Name:    "state",
			Value:   obs.State,
			Message: "not a state of " + string(obs.Object.Class),
		})
	}
	if len(obs.FromStates) > 0 && !slices.Contains(obs.FromStates, obj.State) {
		ctx.Log.Debugf("Dropping notification: object is %s, not one of %v", obj.State, obs.FromStates)
		return false, nil
	}
	if !obs.At.IsZero() && obs.At.Before(obj.StateModifiedAt) {
		ctx.Log.Debugf("Dropping stale notification from %s", obs.At)
		return false, nil
	}
	if s.locks.IsWriteLocked(obs.Object) {
		if len(obs.Attributes) == 0 {
			ctx.Log.Debug("Dropping state notification for locked object")
			return false, nil
		}
		if obs.State != "" {
			ctx.Log.Debugf("Dropping state %s of locked object, keeping its attributes", obs.State)
		}
		s.buffered[obs.Object] = append(s.buffered[obs.Object], Observation{
			Object:     obs.Object,
			At:         obs.At,
			Attributes: obs.Attributes,
		})
		return false, nil
	}
	if err := s.applyObservation(ctx, obj, obs); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) applyObservation(ctx *mgrcontext.Context, obj *model.StatefulObject, obs Observation) error {
	updated := obj.WithAttributes(obs.Attributes)
	if obs.State != "" && obs.State != obj.State {
		ctx.Log.Infof("Observed state change %s -> %s", obj.State, obs.State)
		updated.State = obs.State
		updated.StateModifiedAt = obs.At
		if updated.StateModifiedAt.IsZero() {
			updated.StateModifiedAt = s.clock.Now()
		}
	}
	if err := s.cache.Update(ctx, updated); err != nil {
		return err
	}
	if model.IsTerminal(updated.State) {
		return s.cache.Invalidate(ctx, updated.Ref)
	}
	return nil
}

// drainBuffered applies the attribute changes kept for objects that are no longer write locked. Must be
// called with s.mu held.
func (s *Scheduler) drainBuffered(ctx *mgrcontext.Context) {
	refs := maps.Keys(s.buffered)
	slices.SortFunc(refs, func(a, b model.ObjectRef) bool { return a.Less(b) })
	for _, ref := range refs {
		if s.locks.IsWriteLocked(ref) {
			continue
		}
		pending := s.buffered[ref]
		delete(s.buffered, ref)
		for _, obs := range pending {
			obj, ok := s.cache.Get(ref)
			if !ok {
				break
			}
			if err := s.applyObservation(ctx, obj, obs); err != nil {
				ctx.Log.WithError(err).Errorf("Failed to apply buffered attributes of %s", ref)
			}
		}
	}
}
