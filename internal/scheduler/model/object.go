package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Class is the discriminator of a stateful object (host, target, filesystem...).
type Class string

// Sentinel states every class may end in.
const (
	StateRemoved   = "removed"
	StateForgotten = "forgotten"
)

// IsTerminal reports whether state is one of the sentinel end states.
func IsTerminal(state string) bool {
	return state == StateRemoved || state == StateForgotten
}

// ObjectRef identifies a stateful object. Objects refer to each other through refs, never pointers;
// references are resolved through the object cache.
type ObjectRef struct {
	Class Class `json:"class"`
	ID    int64 `json:"id"`
}

func NewRef(class Class, id int64) ObjectRef {
	return ObjectRef{Class: class, ID: id}
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s:%d", r.Class, r.ID)
}

func (r ObjectRef) IsZero() bool {
	return r.Class == "" && r.ID == 0
}

// Less orders refs by class then id.
func (r ObjectRef) Less(other ObjectRef) bool {
	if r.Class != other.Class {
		return r.Class < other.Class
	}
	return r.ID < other.ID
}

// ParseRef is the inverse of ObjectRef.String.
func ParseRef(s string) (ObjectRef, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		return ObjectRef{}, errors.Errorf("malformed object ref %q", s)
	}
	id, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return ObjectRef{}, errors.Wrapf(err, "malformed object ref %q", s)
	}
	return ObjectRef{Class: Class(s[:idx]), ID: id}, nil
}

// StatefulObject is a managed entity. Snapshots handed out by the object cache are shared and must not
// be mutated; take a DeepCopy first.
type StatefulObject struct {
	Ref             ObjectRef
	State           string
	ImmutableState  bool
	StateModifiedAt time.Time
	NotDeleted      bool
	// Class specific fields. Values are JSON compatible (string, float64/int64, bool, []interface{}, map).
	Attributes map[string]interface{}
}

func (o *StatefulObject) DeepCopy() *StatefulObject {
	if o == nil {
		return nil
	}
	copied := *o
	copied.Attributes = deepCopyMap(o.Attributes)
	return &copied
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []int64:
		return append([]int64{}, t...)
	case []string:
		return append([]string{}, t...)
	default:
		return v
	}
}

// WithAttributes returns a copy with the supplied attributes merged in.
func (o *StatefulObject) WithAttributes(attrs map[string]interface{}) *StatefulObject {
	copied := o.DeepCopy()
	if copied.Attributes == nil {
		copied.Attributes = map[string]interface{}{}
	}
	maps.Copy(copied.Attributes, deepCopyMap(attrs))
	return copied
}

// DecodeAttributes decodes the attributes into a class specific struct using mapstructure tags.
func (o *StatefulObject) DecodeAttributes(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(decoder.Decode(o.Attributes), "decoding attributes of %s", o.Ref)
}

func (o *StatefulObject) StringAttr(key string) string {
	if s, ok := o.Attributes[key].(string); ok {
		return s
	}
	return ""
}

// IntAttr reads an integer attribute regardless of whether it arrived as a JSON number or a Go integer.
func (o *StatefulObject) IntAttr(key string) (int64, bool) {
	var out int64
	if v, ok := o.Attributes[key]; ok && v != nil {
		if err := mapstructure.WeakDecode(v, &out); err == nil {
			return out, true
		}
	}
	return 0, false
}

// IntSliceAttr reads a list of integers, e.g. failover host ids.
func (o *StatefulObject) IntSliceAttr(key string) []int64 {
	var out []int64
	if v, ok := o.Attributes[key]; ok && v != nil {
		if err := mapstructure.WeakDecode(v, &out); err == nil {
			return out
		}
	}
	return nil
}
