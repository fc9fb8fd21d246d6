package lustre

import (
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
)

var (
	hostStates      = []string{"undeployed", "unconfigured", "lnet_unloaded", "lnet_down", "lnet_up", "rebooted", model.StateRemoved}
	lnetStates      = []string{"nids_unknown", "nids_known", model.StateRemoved}
	serviceStates   = []string{"unconfigured", "stopped", "started", model.StateRemoved}
	targetStates    = []string{"unformatted", "formatted", "mounted", "unmounted", model.StateRemoved, model.StateForgotten}
	fsStates        = []string{"stopped", "unavailable", "started", model.StateRemoved, model.StateForgotten}
	clientStates    = []string{"unmounted", "mounted", model.StateRemoved}
	copytoolStates  = []string{"unconfigured", "stopped", "started", model.StateRemoved}
	agentHostStates = []string{"lnet_unloaded", "lnet_down", "lnet_up", "rebooted"}
)

// notRemoved requires object to stay in any live state; once it is about to leave, the dependent has to be
// removed first.
func notRemoved(object model.ObjectRef, states []string, preferred string) statemachine.Dependency {
	var live []string
	for _, s := range states {
		if !model.IsTerminal(s) && s != preferred {
			live = append(live, s)
		}
	}
	return statemachine.DependOn(object, preferred, live...).WithFix(model.StateRemoved)
}

func classDefs() []statemachine.ClassDef {
	return []statemachine.ClassDef{
		{
			Class:         Host,
			ContentTypeID: 1,
			States:        hostStates,
			InitialState:  "undeployed",
			Dependents: func(view statemachine.View, obj *model.StatefulObject) []model.ObjectRef {
				onHost := withAttr(AttrHostID, obj.Ref.ID)
				var out []model.ObjectRef
				out = append(out, refs(view.Filter(LNetConfiguration, onHost))...)
				out = append(out, refs(view.Filter(CorosyncConfiguration, onHost))...)
				out = append(out, refs(view.Filter(PacemakerConfiguration, onHost))...)
				out = append(out, refs(view.Filter(Target, func(t *model.StatefulObject) bool {
					active, _ := ActiveHost(t)
					return onHost(t) || active == obj.Ref
				}))...)
				out = append(out, refs(view.Filter(ClientMount, onHost))...)
				return out
			},
		},
		{
			Class:         LNetConfiguration,
			ContentTypeID: 2,
			States:        lnetStates,
			InitialState:  "nids_unknown",
			StateDeps:     onHostDeps,
		},
		{
			Class:         CorosyncConfiguration,
			ContentTypeID: 3,
			States:        serviceStates,
			InitialState:  "unconfigured",
			StateDeps:     onHostDeps,
			Dependents: func(view statemachine.View, obj *model.StatefulObject) []model.ObjectRef {
				host, ok := refAttr(obj, AttrHostID, Host)
				if !ok {
					return nil
				}
				return refs(view.Filter(PacemakerConfiguration, withAttr(AttrHostID, host.ID)))
			},
		},
		{
			Class:         PacemakerConfiguration,
			ContentTypeID: 4,
			States:        serviceStates,
			InitialState:  "unconfigured",
			StateDeps:     pacemakerDeps,
		},
		{
			Class:         Target,
			ContentTypeID: 5,
			States:        targetStates,
			InitialState:  "unformatted",
			StateDeps:     targetDeps,
			Dependents: func(view statemachine.View, obj *model.StatefulObject) []model.ObjectRef {
				fsID, _ := obj.IntAttr(AttrFilesystemID)
				return refs(view.Filter(Filesystem, func(fs *model.StatefulObject) bool {
					mgt, _ := fs.IntAttr(AttrMgtID)
					return mgt == obj.Ref.ID || fs.Ref.ID == fsID
				}))
			},
		},
		{
			Class:         Filesystem,
			ContentTypeID: 6,
			States:        fsStates,
			InitialState:  "stopped",
			StateDeps:     filesystemDeps,
			Dependents: func(view statemachine.View, obj *model.StatefulObject) []model.ObjectRef {
				members := view.Filter(Target, withAttr(AttrFilesystemID, obj.Ref.ID))
				return append(refs(members), refs(view.Filter(ClientMount, withAttr(AttrFilesystemID, obj.Ref.ID)))...)
			},
		},
		{
			Class:         ClientMount,
			ContentTypeID: 7,
			States:        clientStates,
			InitialState:  "unmounted",
			StateDeps:     clientMountDeps,
			Dependents: func(view statemachine.View, obj *model.StatefulObject) []model.ObjectRef {
				return refs(view.Filter(Copytool, withAttr(AttrClientMountID, obj.Ref.ID)))
			},
		},
		{
			Class:         Copytool,
			ContentTypeID: 8,
			States:        copytoolStates,
			InitialState:  "unconfigured",
			StateDeps:     copytoolDeps,
		},
	}
}

// onHostDeps keeps configuration objects alive only as long as their host.
func onHostDeps(_ statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	host, ok := refAttr(obj, AttrHostID, Host)
	if !ok || model.IsTerminal(state) {
		return nil
	}
	return []statemachine.Dependency{notRemoved(host, hostStates, "lnet_unloaded")}
}

func pacemakerDeps(view statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	if model.IsTerminal(state) {
		return nil
	}
	var deps []statemachine.Dependency
	if host, ok := refAttr(obj, AttrHostID, Host); ok {
		if corosync := view.Filter(CorosyncConfiguration, withAttr(AttrHostID, host.ID)); len(corosync) > 0 {
			if state == "started" {
				deps = append(deps, statemachine.DependOn(corosync[0].Ref, "started").WithFix("stopped"))
			} else {
				deps = append(deps, notRemoved(corosync[0].Ref, serviceStates, "stopped"))
			}
		}
	}
	return append(deps, onHostDeps(view, obj, state)...)
}

func targetDeps(_ statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	if model.IsTerminal(state) {
		return nil
	}
	var deps []statemachine.Dependency
	if state == "mounted" {
		if active, ok := ActiveHost(obj); ok {
			deps = append(deps, statemachine.DependOn(active, "lnet_up").WithFix("unmounted"))
		}
	}
	if obj.StringAttr(AttrKind) != KindMGT {
		if fs, ok := refAttr(obj, AttrFilesystemID, Filesystem); ok {
			deps = append(deps, notRemoved(fs, fsStates, "started"))
		}
	}
	if host, ok := refAttr(obj, AttrHostID, Host); ok {
		deps = append(deps, notRemoved(host, hostStates, "lnet_up"))
	}
	return deps
}

func filesystemDeps(view statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	if model.IsTerminal(state) {
		return nil
	}
	var deps []statemachine.Dependency
	if state == "started" {
		for _, t := range FilesystemTargets(view, obj) {
			deps = append(deps, statemachine.DependOn(t.Ref, "mounted").WithFix("unavailable"))
		}
	}
	if mgt, ok := refAttr(obj, AttrMgtID, Target); ok {
		deps = append(deps, notRemoved(mgt, targetStates, "mounted"))
	}
	return deps
}

func clientMountDeps(_ statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	if model.IsTerminal(state) {
		return nil
	}
	host, hasHost := refAttr(obj, AttrHostID, Host)
	fs, hasFs := refAttr(obj, AttrFilesystemID, Filesystem)
	var deps []statemachine.Dependency
	if state == "mounted" {
		if hasHost {
			deps = append(deps, statemachine.DependOn(host, "lnet_up").WithFix("unmounted"))
		}
		if hasFs {
			deps = append(deps, statemachine.DependOn(fs, "started").WithFix("unmounted"))
		}
	}
	if hasHost {
		deps = append(deps, notRemoved(host, hostStates, "lnet_up"))
	}
	if hasFs {
		deps = append(deps, notRemoved(fs, fsStates, "started"))
	}
	return deps
}

func copytoolDeps(_ statemachine.View, obj *model.StatefulObject, state string) []statemachine.Dependency {
	mount, ok := refAttr(obj, AttrClientMountID, ClientMount)
	if !ok || model.IsTerminal(state) {
		return nil
	}
	if state == "started" {
		return []statemachine.Dependency{statemachine.DependOn(mount, "mounted").WithFix("stopped")}
	}
	return []statemachine.Dependency{notRemoved(mount, clientStates, "mounted")}
}

// agentReady requires the host to run a configured agent.
func agentReady(host model.ObjectRef) statemachine.Dependency {
	return statemachine.DependOn(host, agentHostStates[0], agentHostStates[1:]...)
}

func isAgentReady(state string) bool {
	return slices.Contains(agentHostStates, state)
}
