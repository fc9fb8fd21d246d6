package lustre

import (
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

func hostJobs() []statemachine.JobClassDef {
	return []statemachine.JobClassDef{
		{
			Name:            "DeployHostJob",
			Class:           Host,
			Edges:           edges("unconfigured", "undeployed"),
			Verb:            "Deploy agent",
			LongDescription: "Wait for the agent on this server to connect to the manager.",
			DisplayGroup:    groupLessCommon,
			DisplayOrder:    10,
			Description:     describe("Deploy agent to"),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				obj, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				return []model.StepSpec{{Class: steps.AwaitSessionStep, Args: map[string]interface{}{steps.ArgFqdn: obj.StringAttr(AttrFqdn)}}}, nil
			},
		},
		{
			Name:            "SetupHostJob",
			Class:           Host,
			Edges:           edges("lnet_unloaded", "unconfigured"),
			Verb:            "Set up server",
			LongDescription: "Configure time synchronisation, logging and the manager address on this server.",
			DisplayGroup:    groupLessCommon,
			DisplayOrder:    20,
			Description:     describe("Set up server"),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				obj, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				fqdn := obj.StringAttr(AttrFqdn)
				return []model.StepSpec{
					{Class: "configure_ntp", Args: steps.RemoteArgs(fqdn, nil)},
					{Class: "configure_rsyslog", Args: steps.RemoteArgs(fqdn, nil)},
					{Class: "set_server_conf", Args: steps.RemoteArgs(fqdn, map[string]interface{}{AttrNodename: obj.StringAttr(AttrNodename)})},
				}, nil
			},
		},
		{
			Name:            "LoadLNetJob",
			Class:           Host,
			Edges:           edges("lnet_down", "lnet_unloaded", "rebooted"),
			Verb:            "Load LNet",
			LongDescription: "Load the LNet kernel module.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    30,
			Description:     describe("Load LNet module on"),
			Steps:           remoteOnHost("load_lnet", nil),
		},
		{
			Name:            "UnloadLNetJob",
			Class:           Host,
			Edges:           edges("lnet_unloaded", "lnet_down"),
			Verb:            "Unload LNet",
			LongDescription: "Unload the LNet kernel module.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    40,
			Description:     describe("Unload LNet module on"),
			Steps:           remoteOnHost("unload_lnet", nil),
		},
		{
			Name:            "StartLNetJob",
			Class:           Host,
			Edges:           edges("lnet_up", "lnet_down"),
			Verb:            "Start LNet",
			LongDescription: "Start the LNet networking layer.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Start LNet on"),
			Steps:           remoteOnHost("start_lnet", nil),
		},
		{
			Name:                 "StopLNetJob",
			Class:                Host,
			Edges:                edges("lnet_down", "lnet_up"),
			Verb:                 "Stop LNet",
			LongDescription:      "Stop the LNet networking layer. Targets mounted on this server are stopped first.",
			RequiresConfirmation: true,
			DisplayGroup:         groupCommon,
			DisplayOrder:         20,
			Description:          describe("Stop LNet on"),
			Steps:                remoteOnHost("stop_lnet", nil),
		},
		{
			Name:                 "RebootHostJob",
			Class:                Host,
			Edges:                edges("rebooted", "lnet_unloaded"),
			Verb:                 "Reboot",
			LongDescription:      "Reboot this server.",
			RequiresConfirmation: true,
			DisplayGroup:         groupInfrequent,
			DisplayOrder:         10,
			Description:          describe("Reboot"),
			Steps:                remoteOnHost("reboot_server", nil),
		},
		{
			Name:                 "RemoveHostJob",
			Class:                Host,
			Edges:                edges(model.StateRemoved, "undeployed", "unconfigured", "lnet_unloaded", "rebooted"),
			Verb:                 "Remove",
			LongDescription:      "Remove this server and everything configured on it from the manager.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         10,
			Description:          describe("Remove server"),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				obj, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				switch model.StringArg(job.Args, model.ArgOldState) {
				case "undeployed", "unconfigured":
					return []model.StepSpec{{Class: steps.NoopStep}}, nil
				}
				fqdn := obj.StringAttr(AttrFqdn)
				return []model.StepSpec{
					{Class: "remove_server_conf", Args: steps.RemoteArgs(fqdn, nil)},
					{Class: "deregister_server", Args: steps.RemoteArgs(fqdn, nil)},
				}, nil
			},
		},
		{
			Name:            "UpdateDevicesJob",
			Class:           Host,
			Advertised:      true,
			Verb:            "Update devices",
			LongDescription: "Scan this server for block devices.",
			DisplayGroup:    groupInfrequent,
			DisplayOrder:    20,
			Description:     describe("Update devices on"),
			CanRun: func(_ statemachine.View, obj *model.StatefulObject) bool {
				return isAgentReady(obj.State)
			},
			Locks: func(_ statemachine.View, args map[string]interface{}) []model.StateLock {
				ref, err := model.ObjectFromArgs(args)
				if err != nil {
					return nil
				}
				return []model.StateLock{model.ReadLock(ref)}
			},
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				obj, err := jobObject(view, job)
				if err != nil {
					return nil, err
				}
				args := steps.StoreResult(steps.RemoteArgs(obj.StringAttr(AttrFqdn), nil), obj.Ref, AttrDevices)
				return []model.StepSpec{{Class: "device_scan", Args: args}}, nil
			},
		},
		{
			Name:                 "ForceRemoveHostJob",
			Class:                Host,
			Advertised:           true,
			Verb:                 "Force remove",
			LongDescription:      "Remove this server from the manager without touching it. Use only when the server is gone for good.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         20,
			Description:          describe("Force remove server"),
			CanRun: func(_ statemachine.View, obj *model.StatefulObject) bool {
				return obj.State != model.StateRemoved
			},
			Locks: forceRemoveLocks,
			Steps: noopSteps,
		},
	}
}

// forceRemoveLocks takes the host and everything configured on it straight to removed.
func forceRemoveLocks(view statemachine.View, args map[string]interface{}) []model.StateLock {
	ref, err := model.ObjectFromArgs(args)
	if err != nil {
		return nil
	}
	locks := []model.StateLock{model.WriteLock(ref, "", model.StateRemoved)}
	onHost := withAttr(AttrHostID, ref.ID)
	for _, class := range []model.Class{LNetConfiguration, CorosyncConfiguration, PacemakerConfiguration, Target, ClientMount, Copytool} {
		for _, obj := range view.Filter(class, onHost) {
			locks = append(locks, model.WriteLock(obj.Ref, "", model.StateRemoved))
		}
	}
	return locks
}
