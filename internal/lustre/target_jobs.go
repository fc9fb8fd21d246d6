package lustre

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

func targetOf(view statemachine.View, args map[string]interface{}) (*model.StatefulObject, bool) {
	ref, err := model.ObjectFromArgs(args)
	if err != nil {
		return nil, false
	}
	return view.Get(ref)
}

func mgtOf(view statemachine.View, target *model.StatefulObject) (*model.StatefulObject, bool) {
	if ref, ok := refAttr(target, AttrMgtID, Target); ok {
		return view.Get(ref)
	}
	fs, ok := refAttr(target, AttrFilesystemID, Filesystem)
	if !ok {
		return nil, false
	}
	fsObj, ok := view.Get(fs)
	if !ok {
		return nil, false
	}
	ref, ok := refAttr(fsObj, AttrMgtID, Target)
	if !ok {
		return nil, false
	}
	return view.Get(ref)
}

func failoverHosts(target *model.StatefulObject) []model.ObjectRef {
	var out []model.ObjectRef
	for _, id := range target.IntSliceAttr(AttrFailoverHostIDs) {
		out = append(out, model.NewRef(Host, id))
	}
	return out
}

func isFailedOver(target *model.StatefulObject) bool {
	primary, _ := refAttr(target, AttrHostID, Host)
	active, ok := refAttr(target, AttrActiveHostID, Host)
	return ok && active != primary
}

// formatArgs builds the mkfs arguments of a target: its kind and device, the filesystem name and the MGS nids
// for filesystem members, and the nids of every failover host.
func formatArgs(view statemachine.View, target *model.StatefulObject) (map[string]interface{}, error) {
	args := map[string]interface{}{
		"target_types": target.StringAttr(AttrKind),
		"device":       target.StringAttr(AttrDevice),
		"reformat":     true,
	}
	if target.StringAttr(AttrKind) != KindMGT {
		fsRef, ok := refAttr(target, AttrFilesystemID, Filesystem)
		if !ok {
			return nil, errors.Errorf("%s belongs to no filesystem", target.Ref)
		}
		fs, ok := view.Get(fsRef)
		if !ok {
			return nil, errors.Errorf("filesystem of %s no longer exists", target.Ref)
		}
		args["fsname"] = fs.StringAttr(AttrName)
		mgt, ok := mgtOf(view, target)
		if !ok {
			return nil, errors.Errorf("filesystem %s has no MGT", fs.StringAttr(AttrName))
		}
		mgtHost, _ := refAttr(mgt, AttrHostID, Host)
		args["mgsnode"] = hostNids(view, mgtHost)
	}
	var failnodes []string
	for _, host := range failoverHosts(target) {
		nids := hostNids(view, host)
		if len(nids) == 0 {
			return nil, errors.Errorf("failover host %s of %s has no known nids", Label(view, host), target.Ref)
		}
		failnodes = append(failnodes, nids...)
	}
	if len(failnodes) > 0 {
		args["failnode"] = failnodes
	}
	return args, nil
}

func targetJobs() []statemachine.JobClassDef {
	return []statemachine.JobClassDef{
		{
			Name:                 "FormatTargetJob",
			Class:                Target,
			Edges:                edges("formatted", "unformatted"),
			Verb:                 "Format",
			LongDescription:      "Create a Lustre filesystem on the target's device. Existing data on the device is lost.",
			RequiresConfirmation: true,
			DisplayGroup:         groupLessCommon,
			DisplayOrder:         10,
			Description:          describe("Format target"),
			Deps: func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
				target, ok := targetOf(view, args)
				if !ok {
					return nil
				}
				host, ok := refAttr(target, AttrHostID, Host)
				if !ok {
					return nil
				}
				deps := []statemachine.Dependency{lnetUp(host)}
				if lnet, ok := lnetOf(view, host); ok {
					deps = append(deps, statemachine.DependOn(lnet.Ref, "nids_known"))
				}
				return deps
			},
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				target, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				host, _ := refAttr(target, AttrHostID, Host)
				formatArgs, err := formatArgs(view, target)
				if err != nil {
					return nil, err
				}
				args := steps.StoreResult(steps.RemoteArgs(hostFqdn(view, host), formatArgs), target.Ref, AttrUUID)
				return []model.StepSpec{{Class: "format_target", Args: args}}, nil
			},
		},
		{
			Name:            "StartTargetJob",
			Class:           Target,
			Edges:           edges("mounted", "formatted", "unmounted"),
			Verb:            "Start",
			LongDescription: "Mount the target, making it available to clients.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Start target"),
			Deps: func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
				target, ok := targetOf(view, args)
				if !ok || target.StringAttr(AttrKind) == KindMGT {
					return nil
				}
				mgt, ok := mgtOf(view, target)
				if !ok {
					return nil
				}
				return []statemachine.Dependency{statemachine.DependOn(mgt.Ref, "mounted")}
			},
			Steps: mountStep("mount_target"),
			OnSuccess: func(view statemachine.View, job *model.Job) []*model.StatefulObject {
				target, err := jobObject(view, job)
				if err != nil {
					return nil
				}
				if _, ok := refAttr(target, AttrActiveHostID, Host); ok {
					return nil
				}
				primary, _ := target.IntAttr(AttrHostID)
				return []*model.StatefulObject{target.WithAttributes(map[string]interface{}{AttrActiveHostID: primary})}
			},
		},
		{
			Name:                 "StopTargetJob",
			Class:                Target,
			Edges:                edges("unmounted", "mounted"),
			Verb:                 "Stop",
			LongDescription:      "Unmount the target. Clients lose access to the data it holds.",
			RequiresConfirmation: true,
			DisplayGroup:         groupCommon,
			DisplayOrder:         20,
			Description:          describe("Stop target"),
			Steps:                mountStep("unmount_target"),
		},
		{
			Name:                 "RemoveTargetJob",
			Class:                Target,
			Edges:                edges(model.StateRemoved, "unformatted", "formatted", "unmounted"),
			Verb:                 "Remove",
			LongDescription:      "Remove the target from the manager's configuration.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         10,
			Description:          describe("Remove target"),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				if model.StringArg(job.Args, model.ArgOldState) == "unformatted" {
					return noopSteps(view, job)
				}
				return mountStep("unconfigure_target")(view, job)
			},
		},
		{
			Name:                 "ForgetTargetJob",
			Class:                Target,
			Edges:                edges(model.StateForgotten, "unformatted", "formatted", "mounted", "unmounted"),
			Verb:                 "Forget",
			LongDescription:      "Stop managing the target without touching the servers.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         20,
			Description:          describe("Forget target"),
			Steps:                noopSteps,
		},
		{
			Name:            "FailoverTargetJob",
			Class:           Target,
			Advertised:      true,
			Verb:            "Failover",
			LongDescription: "Move the target to its failover server.",
			DisplayGroup:    groupInfrequent,
			DisplayOrder:    10,
			Description:     describe("Failover target"),
			CanRun: func(_ statemachine.View, obj *model.StatefulObject) bool {
				return obj.State == "mounted" && len(failoverHosts(obj)) > 0 && !isFailedOver(obj)
			},
			Locks: mountedWriteLock,
			Deps: func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
				target, ok := targetOf(view, args)
				if !ok || len(failoverHosts(target)) == 0 {
					return nil
				}
				return []statemachine.Dependency{lnetUp(failoverHosts(target)[0])}
			},
			Steps: migrateStep("failover_target"),
			OnSuccess: func(view statemachine.View, job *model.Job) []*model.StatefulObject {
				target, err := jobObject(view, job)
				if err != nil || len(failoverHosts(target)) == 0 {
					return nil
				}
				return []*model.StatefulObject{target.WithAttributes(map[string]interface{}{AttrActiveHostID: failoverHosts(target)[0].ID})}
			},
		},
		{
			Name:            "FailbackTargetJob",
			Class:           Target,
			Advertised:      true,
			Verb:            "Failback",
			LongDescription: "Move the target back to its primary server.",
			DisplayGroup:    groupInfrequent,
			DisplayOrder:    20,
			Description:     describe("Failback target"),
			CanRun: func(_ statemachine.View, obj *model.StatefulObject) bool {
				return obj.State == "mounted" && isFailedOver(obj)
			},
			Locks: mountedWriteLock,
			Deps: func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
				target, ok := targetOf(view, args)
				if !ok {
					return nil
				}
				primary, ok := refAttr(target, AttrHostID, Host)
				if !ok {
					return nil
				}
				return []statemachine.Dependency{lnetUp(primary)}
			},
			Steps: migrateStep("failback_target"),
			OnSuccess: func(view statemachine.View, job *model.Job) []*model.StatefulObject {
				target, err := jobObject(view, job)
				if err != nil {
					return nil
				}
				primary, _ := target.IntAttr(AttrHostID)
				return []*model.StatefulObject{target.WithAttributes(map[string]interface{}{AttrActiveHostID: primary})}
			},
		},
	}
}

func mountedWriteLock(_ statemachine.View, args map[string]interface{}) []model.StateLock {
	ref, err := model.ObjectFromArgs(args)
	if err != nil {
		return nil
	}
	return []model.StateLock{model.WriteLock(ref, "mounted", "mounted")}
}

func targetActionArgs(target *model.StatefulObject) map[string]interface{} {
	return map[string]interface{}{
		"label": target.StringAttr(AttrName),
		"uuid":  target.StringAttr(AttrUUID),
		"id":    target.Ref.ID,
	}
}

// mountStep runs a target action on the server the target is active on.
func mountStep(stepClass string) func(statemachine.View, *model.Job) ([]model.StepSpec, error) {
	return func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
		target, err := jobObject(view, job)
		if err != nil {
			return nil, err
		}
		host, ok := ActiveHost(target)
		if !ok {
			return nil, errors.Errorf("%s has no host", target.Ref)
		}
		return []model.StepSpec{{Class: stepClass, Args: steps.RemoteArgs(hostFqdn(view, host), targetActionArgs(target))}}, nil
	}
}

// migrateStep moves a target between its primary and failover servers.
func migrateStep(stepClass string) func(statemachine.View, *model.Job) ([]model.StepSpec, error) {
	return func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
		target, err := jobObject(view, job)
		if err != nil {
			return nil, err
		}
		active, _ := ActiveHost(target)
		args := targetActionArgs(target)
		var destinations []string
		for _, host := range failoverHosts(target) {
			destinations = append(destinations, hostFqdn(view, host))
		}
		args["failover_hosts"] = strings.Join(destinations, ",")
		return []model.StepSpec{{Class: stepClass, Args: steps.RemoteArgs(hostFqdn(view, active), args)}}, nil
	}
}
