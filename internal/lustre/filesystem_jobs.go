package lustre

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

func filesystemJobs() []statemachine.JobClassDef {
	return []statemachine.JobClassDef{
		{
			Name:            "StartFilesystemJob",
			Class:           Filesystem,
			Edges:           edges("started", "stopped", "unavailable"),
			Verb:            "Start",
			LongDescription: "Start every target of the filesystem.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Start file system"),
			Steps:           noopSteps,
		},
		{
			// Taken when one of the targets stops; never offered to users.
			Name:        "MakeFilesystemUnavailableJob",
			Class:       Filesystem,
			Edges:       edges("unavailable", "started"),
			Description: describe("Make file system unavailable"),
			Steps:       noopSteps,
		},
		{
			Name:                 "StopFilesystemJob",
			Class:                Filesystem,
			Edges:                edges("stopped", "unavailable"),
			Verb:                 "Stop",
			LongDescription:      "Stop the metadata and object storage targets of the filesystem. The MGT is left running.",
			RequiresConfirmation: true,
			DisplayGroup:         groupCommon,
			DisplayOrder:         20,
			Description:          describe("Stop file system"),
			Deps: func(view statemachine.View, args map[string]interface{}) []statemachine.Dependency {
				ref, err := model.ObjectFromArgs(args)
				if err != nil {
					return nil
				}
				var deps []statemachine.Dependency
				for _, t := range view.Filter(Target, withAttr(AttrFilesystemID, ref.ID)) {
					deps = append(deps, statemachine.DependOn(t.Ref, "unmounted", "unformatted", "formatted"))
				}
				return deps
			},
			Steps: noopSteps,
		},
		{
			Name:                 "RemoveFilesystemJob",
			Class:                Filesystem,
			Edges:                edges(model.StateRemoved, "stopped"),
			Verb:                 "Remove",
			LongDescription:      "Remove the filesystem and its metadata and object storage targets.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         10,
			Description:          describe("Remove file system"),
			Steps:                noopSteps,
		},
		{
			Name:                 "ForgetFilesystemJob",
			Class:                Filesystem,
			Edges:                edges(model.StateForgotten, "stopped", "unavailable", "started"),
			Verb:                 "Forget",
			LongDescription:      "Stop managing the filesystem without touching the servers.",
			RequiresConfirmation: true,
			DisplayGroup:         groupRemove,
			DisplayOrder:         20,
			Description:          describe("Forget file system"),
			Steps:                noopSteps,
		},
	}
}

// mountspec is the client mount source of a filesystem: the MGS nids followed by the filesystem name.
func mountspec(view statemachine.View, fs *model.StatefulObject) (string, error) {
	mgt, ok := refAttr(fs, AttrMgtID, Target)
	if !ok {
		return "", errors.Errorf("file system %s has no MGT", fs.StringAttr(AttrName))
	}
	mgtObj, ok := view.Get(mgt)
	if !ok {
		return "", errors.Errorf("MGT of file system %s no longer exists", fs.StringAttr(AttrName))
	}
	var hosts []string
	primary, _ := refAttr(mgtObj, AttrHostID, Host)
	for _, host := range append([]model.ObjectRef{primary}, failoverHosts(mgtObj)...) {
		if nids := hostNids(view, host); len(nids) > 0 {
			hosts = append(hosts, strings.Join(nids, ","))
		}
	}
	return fmt.Sprintf("%s:/%s", strings.Join(hosts, ":"), fs.StringAttr(AttrName)), nil
}

func clientMountArgs(view statemachine.View, mount *model.StatefulObject) (map[string]interface{}, error) {
	fsRef, _ := refAttr(mount, AttrFilesystemID, Filesystem)
	fs, ok := view.Get(fsRef)
	if !ok {
		return nil, errors.Errorf("file system of %s no longer exists", mount.Ref)
	}
	spec, err := mountspec(view, fs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"mountspec": spec, "mountpoint": mount.StringAttr(AttrMountpoint)}, nil
}

func clientJobs() []statemachine.JobClassDef {
	clientStep := func(stepClass string) func(statemachine.View, *model.Job) ([]model.StepSpec, error) {
		return func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
			mount, err := jobObject(view, job)
			if err != nil {
				return nil, err
			}
			args, err := clientMountArgs(view, mount)
			if err != nil {
				return nil, err
			}
			host, _ := refAttr(mount, AttrHostID, Host)
			return []model.StepSpec{{Class: stepClass, Args: steps.RemoteArgs(hostFqdn(view, host), args)}}, nil
		}
	}
	copytoolArgs := func(_ statemachine.View, obj *model.StatefulObject) map[string]interface{} {
		return map[string]interface{}{"id": obj.Ref.ID, "archive": obj.StringAttr(AttrArchive)}
	}
	return []statemachine.JobClassDef{
		{
			Name:            "MountLustreClientJob",
			Class:           ClientMount,
			Edges:           edges("mounted", "unmounted"),
			Verb:            "Mount",
			LongDescription: "Mount the filesystem on this client.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    10,
			Description:     describe("Mount file system on"),
			Steps:           clientStep("mount_lustre_filesystem"),
		},
		{
			Name:            "UnmountLustreClientJob",
			Class:           ClientMount,
			Edges:           edges("unmounted", "mounted"),
			Verb:            "Unmount",
			LongDescription: "Unmount the filesystem from this client.",
			DisplayGroup:    groupCommon,
			DisplayOrder:    20,
			Description:     describe("Unmount file system from"),
			Steps:           clientStep("unmount_lustre_filesystem"),
		},
		{
			Name:         "RemoveLustreClientJob",
			Class:        ClientMount,
			Edges:        edges(model.StateRemoved, "unmounted"),
			Verb:         "Remove",
			DisplayGroup: groupRemove,
			Description:  describe("Remove client mount"),
			Steps:        noopSteps,
		},
		{
			Name:         "ConfigureCopytoolJob",
			Class:        Copytool,
			Edges:        edges("stopped", "unconfigured"),
			Verb:         "Configure",
			DisplayGroup: groupLessCommon,
			Description:  describe("Configure copytool on"),
			Steps:        remoteOnHost("configure_copytool", copytoolArgs),
		},
		{
			Name:         "StartCopytoolJob",
			Class:        Copytool,
			Edges:        edges("started", "stopped"),
			Verb:         "Start",
			DisplayGroup: groupCommon,
			DisplayOrder: 10,
			Description:  describe("Start copytool on"),
			Steps:        remoteOnHost("start_copytool", copytoolArgs),
		},
		{
			Name:         "StopCopytoolJob",
			Class:        Copytool,
			Edges:        edges("stopped", "started"),
			Verb:         "Stop",
			DisplayGroup: groupCommon,
			DisplayOrder: 20,
			Description:  describe("Stop copytool on"),
			Steps:        remoteOnHost("stop_copytool", copytoolArgs),
		},
		{
			Name:         "RemoveCopytoolJob",
			Class:        Copytool,
			Edges:        edges(model.StateRemoved, "unconfigured", "stopped"),
			Verb:         "Remove",
			DisplayGroup: groupRemove,
			Description:  describe("Remove copytool from"),
			Steps: func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
				if model.StringArg(job.Args, model.ArgOldState) == "unconfigured" {
					return noopSteps(view, job)
				}
				return remoteOnHost("unconfigure_copytool", copytoolArgs)(view, job)
			},
		},
	}
}
