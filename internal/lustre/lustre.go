// Package lustre declares the managed objects of a Lustre cluster, the jobs that drive them and the steps
// those jobs are made of.
package lustre

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/statemachine"
	"github.com/whamcloud/lmgr/internal/scheduler/steps"
)

const (
	Host                   model.Class = "host"
	LNetConfiguration      model.Class = "lnet_configuration"
	CorosyncConfiguration  model.Class = "corosync_configuration"
	PacemakerConfiguration model.Class = "pacemaker_configuration"
	Target                 model.Class = "target"
	Filesystem             model.Class = "filesystem"
	ClientMount            model.Class = "client_mount"
	Copytool               model.Class = "copytool"
)

// Attribute keys.
const (
	AttrFqdn            = "fqdn"
	AttrNodename        = "nodename"
	AttrAddress         = "address"
	AttrContact         = "contact"
	AttrClientStartTime = "client_start_time"
	AttrDevices         = "devices"
	AttrHostID          = "host_id"
	AttrNids            = "nids"
	AttrKind            = "kind"
	AttrName            = "name"
	AttrDevice          = "device"
	AttrUUID            = "uuid"
	AttrFilesystemID    = "filesystem_id"
	AttrMgtID           = "mgt_id"
	AttrActiveHostID    = "active_host_id"
	AttrFailoverHostIDs = "failover_host_ids"
	AttrMountpoint      = "mountpoint"
	AttrClientMountID   = "client_mount_id"
	AttrArchive         = "archive"
)

// Target kinds.
const (
	KindMGT = "mgt"
	KindMDT = "mdt"
	KindOST = "ost"
)

// Display groups of transitions and jobs, most common first.
const (
	groupCommon = iota
	groupLessCommon
	groupInfrequent
	groupRemove
)

// Register declares every Lustre class, job class and step class.
func Register(sm *statemachine.Registry, st *steps.Registry) error {
	for _, def := range classDefs() {
		if err := sm.RegisterClass(def); err != nil {
			return err
		}
	}
	var jobs []statemachine.JobClassDef
	jobs = append(jobs, hostJobs()...)
	jobs = append(jobs, configurationJobs()...)
	jobs = append(jobs, targetJobs()...)
	jobs = append(jobs, filesystemJobs()...)
	jobs = append(jobs, clientJobs()...)
	for _, def := range jobs {
		if err := sm.RegisterJob(def); err != nil {
			return err
		}
	}
	for _, def := range stepDefs() {
		if err := st.Register(def); err != nil {
			return err
		}
	}
	return sm.Validate()
}

// NewRegistries returns a state machine registry and a step registry populated with the Lustre model and the
// built in steps.
func NewRegistries() (*statemachine.Registry, *steps.Registry, error) {
	sm := statemachine.NewRegistry()
	st := steps.NewRegistry()
	if err := steps.RegisterBuiltins(st); err != nil {
		return nil, nil, err
	}
	if err := Register(sm, st); err != nil {
		return nil, nil, errors.WithMessage(err, "registering lustre model")
	}
	return sm, st, nil
}

func refAttr(obj *model.StatefulObject, key string, class model.Class) (model.ObjectRef, bool) {
	id, ok := obj.IntAttr(key)
	if !ok || id == 0 {
		return model.ObjectRef{}, false
	}
	return model.NewRef(class, id), true
}

func withAttr(key string, id int64) func(*model.StatefulObject) bool {
	return func(obj *model.StatefulObject) bool {
		v, ok := obj.IntAttr(key)
		return ok && v == id
	}
}

func refs(objects []*model.StatefulObject) []model.ObjectRef {
	out := make([]model.ObjectRef, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.Ref)
	}
	return out
}

// ActiveHost returns the host a target is mounted on, or would be mounted on if started.
func ActiveHost(target *model.StatefulObject) (model.ObjectRef, bool) {
	if ref, ok := refAttr(target, AttrActiveHostID, Host); ok {
		return ref, true
	}
	return refAttr(target, AttrHostID, Host)
}

// FilesystemTargets returns the MGT, MDTs and OSTs of a filesystem, in that order.
func FilesystemTargets(view statemachine.View, fs *model.StatefulObject) []*model.StatefulObject {
	var targets []*model.StatefulObject
	if mgt, ok := refAttr(fs, AttrMgtID, Target); ok {
		if obj, ok := view.Get(mgt); ok {
			targets = append(targets, obj)
		}
	}
	members := view.Filter(Target, withAttr(AttrFilesystemID, fs.Ref.ID))
	slices.SortStableFunc(members, func(a, b *model.StatefulObject) bool {
		return a.StringAttr(AttrKind) == KindMDT && b.StringAttr(AttrKind) != KindMDT
	})
	return append(targets, members...)
}

func hostFqdn(view statemachine.View, host model.ObjectRef) string {
	if obj, ok := view.Get(host); ok {
		return obj.StringAttr(AttrFqdn)
	}
	return ""
}

func lnetOf(view statemachine.View, host model.ObjectRef) (*model.StatefulObject, bool) {
	configs := view.Filter(LNetConfiguration, withAttr(AttrHostID, host.ID))
	if len(configs) == 0 {
		return nil, false
	}
	return configs[0], true
}

func hostNids(view statemachine.View, host model.ObjectRef) []string {
	lnet, ok := lnetOf(view, host)
	if !ok {
		return nil
	}
	var nids []string
	if raw, ok := lnet.Attributes[AttrNids].([]interface{}); ok {
		for _, n := range raw {
			if s, ok := n.(string); ok {
				nids = append(nids, s)
			}
		}
	} else if s, ok := lnet.Attributes[AttrNids].([]string); ok {
		nids = append(nids, s...)
	}
	return nids
}

// Label is a short human readable name for an object.
func Label(view statemachine.View, ref model.ObjectRef) string {
	obj, ok := view.Get(ref)
	if !ok {
		return ref.String()
	}
	switch ref.Class {
	case Host:
		return obj.StringAttr(AttrFqdn)
	case Target, Filesystem:
		if name := obj.StringAttr(AttrName); name != "" {
			return name
		}
	case ClientMount:
		host, _ := refAttr(obj, AttrHostID, Host)
		return fmt.Sprintf("%s:%s", hostFqdn(view, host), obj.StringAttr(AttrMountpoint))
	case LNetConfiguration, CorosyncConfiguration, PacemakerConfiguration, Copytool:
		if host, ok := refAttr(obj, AttrHostID, Host); ok {
			return hostFqdn(view, host)
		}
	}
	return ref.String()
}

// describe returns a job description function of the form "<phrase> <label of the job's object>".
func describe(phrase string) func(view statemachine.View, args map[string]interface{}) string {
	return func(view statemachine.View, args map[string]interface{}) string {
		ref, err := model.ObjectFromArgs(args)
		if err != nil {
			return phrase
		}
		return fmt.Sprintf("%s %s", phrase, Label(view, ref))
	}
}

func edges(to string, from ...string) []statemachine.Edge {
	out := make([]statemachine.Edge, 0, len(from))
	for _, f := range from {
		out = append(out, statemachine.Edge{From: f, To: to})
	}
	return out
}

// jobObject resolves the object a job acts on.
func jobObject(view statemachine.View, job *model.Job) (*model.StatefulObject, error) {
	ref, err := model.ObjectFromArgs(job.Args)
	if err != nil {
		return nil, err
	}
	obj, ok := view.Get(ref)
	if !ok {
		return nil, errors.Errorf("%s no longer exists", ref)
	}
	return obj, nil
}

func noopSteps(statemachine.View, *model.Job) ([]model.StepSpec, error) {
	return []model.StepSpec{{Class: steps.NoopStep}}, nil
}

// remoteOnHost returns a steps function running one action on the host named by the object's host_id.
func remoteOnHost(stepClass string, actionArgs func(view statemachine.View, obj *model.StatefulObject) map[string]interface{}) func(statemachine.View, *model.Job) ([]model.StepSpec, error) {
	return func(view statemachine.View, job *model.Job) ([]model.StepSpec, error) {
		obj, err := jobObject(view, job)
		if err != nil {
			return nil, err
		}
		host := obj.Ref
		if obj.Ref.Class != Host {
			var ok bool
			if host, ok = refAttr(obj, AttrHostID, Host); !ok {
				return nil, errors.Errorf("%s has no host", obj.Ref)
			}
		}
		var args map[string]interface{}
		if actionArgs != nil {
			args = actionArgs(view, obj)
		}
		return []model.StepSpec{{Class: stepClass, Args: steps.RemoteArgs(hostFqdn(view, host), args)}}, nil
	}
}
