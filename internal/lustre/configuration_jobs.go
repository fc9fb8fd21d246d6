package lustre

import (
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

// hostDeps makes a job on a configuration object depend on its host.
func hostDeps(dep func(host model.ObjectRef) statemachine.Dependency) func(statemachine.View, map[string]interface{}) []statemachine.Dependency {
	return func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
		ref, err := model.ObjectFromArgs(args)
		if err != nil {
			return nil
		}
		obj, ok := view.Get(ref)
		if !ok {
			return nil
		}
		host, ok := refAttr(obj, AttrHostID, Host)
		if !ok {
			return nil
		}
		return []statemachine.Dependency{dep(host)}
	}
}

func lnetUp(host model.ObjectRef) statemachine.Dependency {
	return statemachine.DependOn(host, "lnet_up")
}

func configurationJobs() []statemachine.JobClassDef {
	jobs := []statemachine.JobClassDef{
		{
			Name:            "ConfigureLNetJob",
			Class:           LNetConfiguration,
			Edges:           edges("nids_known", "nids_unknown"),
			Verb:            "Configure LNet",
			LongDescription: "Learn the network identifiers of this server.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Configure LNet on"),
			Deps:            hostDeps(lnetUp),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				obj, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				host, _ := refAttr(obj, AttrHostID, Host)
				args := steps.StoreResult(steps.RemoteArgs(hostFqdn(view, host), nil), obj.Ref, AttrNids)
				return []model.StepSpec{{Class: "lnet_scan", Args: args}}, nil
			},
		},
		{
			Name:         "RemoveLNetConfigurationJob",
			Class:        LNetConfiguration,
			Edges:        edges(model.StateRemoved, "nids_unknown", "nids_known"),
			DisplayGroup: groupRemove,
			Description:  describe("Remove LNet configuration of"),
			Steps:        noopSteps,
		},
	}
	jobs = append(jobs, serviceJobs(CorosyncConfiguration, "Corosync", "corosync")...)
	jobs = append(jobs, serviceJobs(PacemakerConfiguration, "Pacemaker", "pacemaker")...)
	return jobs
}

// serviceJobs declares the configure, start, stop, unconfigure and remove jobs of a cluster service.
func serviceJobs(class model.Class, name, action string) []statemachine.JobClassDef {
	ready := hostDeps(agentReady)
	return []statemachine.JobClassDef{
		{
			Name:            "Configure" + name + "Job",
			Class:           class,
			Edges:           edges("stopped", "unconfigured"),
			Verb:            "Configure " + name,
			LongDescription: "Configure " + name + " on this server.",
			DisplayGroup:    groupLessCommon,
			DisplayOrder:    10,
			Description:     describe("Configure " + name + " on"),
			Deps:            ready,
			Steps:           remoteOnHost("configure_"+action, nil),
		},
		{
			Name:            "Start" + name + "Job",
			Class:           class,
			Edges:           edges("started", "stopped"),
			Verb:            "Start " + name,
			LongDescription: "Start " + name + " on this server.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Start " + name + " on"),
			Deps:            ready,
			Steps:           remoteOnHost("start_"+action, nil),
		},
		{
			Name:                 "Stop" + name + "Job",
			Class:                class,
			Edges:                edges("stopped", "started"),
			Verb:                 "Stop " + name,
			LongDescription:      "Stop " + name + " on this server.",
			RequiresConfirmation: true,
			DisplayGroup:         groupCommon,
			DisplayOrder:         20,
			Description:          describe("Stop " + name + " on"),
			Deps:                 ready,
			Steps:                remoteOnHost("stop_"+action, nil),
		},
		{
			Name:            "Unconfigure" + name + "Job",
			Class:           class,
			Edges:           edges("unconfigured", "stopped"),
			Verb:            "Unconfigure " + name,
			LongDescription: "Remove the " + name + " configuration from this server.",
			DisplayGroup:    groupLessCommon,
			DisplayOrder:    20,
			Description:     describe("Unconfigure " + name + " on"),
			Deps:            ready,
			Steps:           remoteOnHost("unconfigure_"+action, nil),
		},
		{
			Name:         "Remove" + name + "Job",
			Class:        class,
			Edges:        edges(model.StateRemoved, "unconfigured"),
			DisplayGroup: groupRemove,
			Description:  describe("Remove " + name + " configuration of"),
			Steps:        noopSteps,
		},
	}
}
