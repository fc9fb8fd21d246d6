// Package lustretest builds small Lustre clusters for tests.
package lustretest

import (
	"golang.org/x/exp/slices"

	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Objects of the standard cluster: one metadata server also hosting the MGT, two object storage servers
// with one OST each, and a client.
var (
	MDS    = model.NewRef("host", 1)
	OSS0   = model.NewRef("host", 2)
	OSS1   = model.NewRef("host", 3)
	Client = model.NewRef("host", 4)

	MDSLNet  = model.NewRef("lnet_configuration", 1)
	OSS0LNet = model.NewRef("lnet_configuration", 2)
	OSS1LNet = model.NewRef("lnet_configuration", 3)

	Corosync  = model.NewRef("corosync_configuration", 1)
	Pacemaker = model.NewRef("pacemaker_configuration", 1)

	MGT  = model.NewRef("target", 1)
	MDT  = model.NewRef("target", 2)
	OST0 = model.NewRef("target", 3)
	OST1 = model.NewRef("target", 4)

	FS          = model.NewRef("filesystem", 1)
	ClientMount = model.NewRef("client_mount", 1)
	Copytool    = model.NewRef("copytool", 1)
)

// Cluster is a set of objects with a read only view over them.
type Cluster struct {
	objects map[model.ObjectRef]*model.StatefulObject
}

// NewCluster returns the standard cluster with LNet up everywhere, the MGT mounted, the MDT and OSTs formatted
// and the filesystem stopped.
func NewCluster() *Cluster {
	c := &Cluster{objects: map[model.ObjectRef]*model.StatefulObject{}}
	hosts := []struct {
		ref  model.ObjectRef
		lnet model.ObjectRef
		fqdn string
		nid  string
	}{
		{MDS, MDSLNet, "mds1.lustre.local", "10.0.0.1@tcp"},
		{OSS0, OSS0LNet, "oss1.lustre.local", "10.0.0.2@tcp"},
		{OSS1, OSS1LNet, "oss2.lustre.local", "10.0.0.3@tcp"},
	}
	for _, h := range hosts {
		c.Add(h.ref, "lnet_up", map[string]interface{}{"fqdn": h.fqdn, "nodename": h.fqdn, "address": h.fqdn})
		c.Add(h.lnet, "nids_known", map[string]interface{}{"host_id": h.ref.ID, "nids": []interface{}{h.nid}})
	}
	c.Add(Client, "lnet_up", map[string]interface{}{"fqdn": "client1.lustre.local", "nodename": "client1.lustre.local"})
	c.Add(Corosync, "started", map[string]interface{}{"host_id": MDS.ID})
	c.Add(Pacemaker, "started", map[string]interface{}{"host_id": MDS.ID})

	c.Add(MGT, "mounted", map[string]interface{}{"kind": "mgt", "name": "MGS", "host_id": MDS.ID, "device": "/dev/sdb"})
	c.Add(MDT, "formatted", map[string]interface{}{"kind": "mdt", "name": "fs1-MDT0000", "host_id": MDS.ID, "filesystem_id": FS.ID, "device": "/dev/sdc"})
	c.Add(OST0, "formatted", map[string]interface{}{"kind": "ost", "name": "fs1-OST0000", "host_id": OSS0.ID, "failover_host_ids": []interface{}{OSS1.ID}, "filesystem_id": FS.ID, "device": "/dev/sdb"})
	c.Add(OST1, "formatted", map[string]interface{}{"kind": "ost", "name": "fs1-OST0001", "host_id": OSS1.ID, "failover_host_ids": []interface{}{OSS0.ID}, "filesystem_id": FS.ID, "device": "/dev/sdb"})
	c.Add(FS, "stopped", map[string]interface{}{"name": "fs1", "mgt_id": MGT.ID})

	c.Add(ClientMount, "unmounted", map[string]interface{}{"host_id": Client.ID, "filesystem_id": FS.ID, "mountpoint": "/mnt/fs1"})
	c.Add(Copytool, "unconfigured", map[string]interface{}{"host_id": Client.ID, "client_mount_id": ClientMount.ID, "archive": "1"})
	return c
}

// Add creates or replaces an object.
func (c *Cluster) Add(ref model.ObjectRef, state string, attrs map[string]interface{}) *Cluster {
	c.objects[ref] = &model.StatefulObject{Ref: ref, State: state, NotDeleted: true, Attributes: attrs}
	return c
}

// Set changes the state of an existing object.
func (c *Cluster) Set(ref model.ObjectRef, state string) *Cluster {
	obj := c.objects[ref].DeepCopy()
	obj.State = state
	c.objects[ref] = obj
	return c
}

// SetAttr changes one attribute of an existing object.
func (c *Cluster) SetAttr(ref model.ObjectRef, key string, value interface{}) *Cluster {
	c.objects[ref] = c.objects[ref].WithAttributes(map[string]interface{}{key: value})
	return c
}

// Remove drops an object from the cluster.
func (c *Cluster) Remove(ref model.ObjectRef) *Cluster {
	delete(c.objects, ref)
	return c
}

// Objects returns copies of every object, ordered by ref.
func (c *Cluster) Objects() []*model.StatefulObject {
	out := make([]*model.StatefulObject, 0, len(c.objects))
	for _, obj := range c.objects {
		out = append(out, obj.DeepCopy())
	}
	slices.SortFunc(out, func(a, b *model.StatefulObject) bool { return a.Ref.Less(b.Ref) })
	return out
}

func (c *Cluster) Get(ref model.ObjectRef) (*model.StatefulObject, bool) {
	obj, ok := c.objects[ref]
	return obj, ok
}

func (c *Cluster) Filter(class model.Class, predicate func(*model.StatefulObject) bool) []*model.StatefulObject {
	var out []*model.StatefulObject
	for _, obj := range c.objects {
		if obj.Ref.Class == class && (predicate == nil || predicate(obj)) {
			out = append(out, obj)
		}
	}
	slices.SortFunc(out, func(a, b *model.StatefulObject) bool { return a.Ref.ID < b.Ref.ID })
	return out
}
