package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected ObjectRef
		err      bool
	}{
		"valid":      {input: "target:12", expected: NewRef("target", 12)},
		"no id":      {input: "target", err: true},
		"bad id":     {input: "target:x", err: true},
		"empty name": {input: ":3", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ref, err := ParseRef(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ref)
			assert.Equal(t, tc.input, ref.String())
		})
	}
}

func TestStatefulObject_DeepCopy(t *testing.T) {
	obj := &StatefulObject{
		Ref:             NewRef("target", 1),
		State:           "mounted",
		StateModifiedAt: time.Now(),
		NotDeleted:      true,
		Attributes: map[string]interface{}{
			"failover_host_ids": []interface{}{float64(2), float64(3)},
			"labels":            map[string]interface{}{"a": "b"},
		},
	}
	copied := obj.DeepCopy()
	copied.State = "unmounted"
	copied.Attributes["labels"].(map[string]interface{})["a"] = "c"
	copied.Attributes["failover_host_ids"].([]interface{})[0] = float64(9)

	assert.Equal(t, "mounted", obj.State)
	assert.Equal(t, "b", obj.Attributes["labels"].(map[string]interface{})["a"])
	assert.Equal(t, []int64{2, 3}, obj.IntSliceAttr("failover_host_ids"))
}

func TestStatefulObject_Attributes(t *testing.T) {
	obj := &StatefulObject{
		Ref: NewRef("target", 1),
		Attributes: map[string]interface{}{
			"kind":    "ost",
			"host_id": float64(4),
			"index":   int64(2),
		},
	}
	assert.Equal(t, "ost", obj.StringAttr("kind"))
	assert.Equal(t, "", obj.StringAttr("missing"))

	hostID, ok := obj.IntAttr("host_id")
	assert.True(t, ok)
	assert.Equal(t, int64(4), hostID)
	_, ok = obj.IntAttr("missing")
	assert.False(t, ok)

	updated := obj.WithAttributes(map[string]interface{}{"active_host_id": int64(5)})
	assert.NotContains(t, obj.Attributes, "active_host_id")
	active, _ := updated.IntAttr("active_host_id")
	assert.Equal(t, int64(5), active)

	var decoded struct {
		Kind   string `json:"kind"`
		HostID int64  `json:"host_id"`
		Index  int    `json:"index"`
	}
	require.NoError(t, obj.DecodeAttributes(&decoded))
	assert.Equal(t, "ost", decoded.Kind)
	assert.Equal(t, int64(4), decoded.HostID)
	assert.Equal(t, 2, decoded.Index)
}

func TestJob_WriteLocks(t *testing.T) {
	host := NewRef("host", 1)
	target := NewRef("target", 2)
	job := &Job{
		Locks: []StateLock{ReadLock(host), WriteLock(target, "formatted", "mounted")},
	}
	assert.Equal(t, []StateLock{WriteLock(target, "formatted", "mounted")}, job.WriteLocks())

	copied := job.DeepCopy()
	copied.Locks[0] = ReadLock(target)
	assert.Equal(t, host, job.Locks[0].Object)
}
