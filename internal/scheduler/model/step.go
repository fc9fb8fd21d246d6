package model

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// StepSpec is one step of a job as planned: the registered step class name and its JSON compatible args.
type StepSpec struct {
	Class string                 `json:"class"`
	Args  map[string]interface{} `json:"args"`
}

// Argument keys shared by every state changing job.
const (
	ArgObjectClass = "object_class"
	ArgObjectID    = "object_id"
	ArgOldState    = "old_state"
	ArgNewState    = "new_state"
)

// StateChangeArgs are the args of a job moving object from one state to another.
func StateChangeArgs(object ObjectRef, from, to string) map[string]interface{} {
	return map[string]interface{}{
		ArgObjectClass: string(object.Class),
		ArgObjectID:    object.ID,
		ArgOldState:    from,
		ArgNewState:    to,
	}
}

// ObjectArgs are the args of a job acting on a single object without changing its state.
func ObjectArgs(object ObjectRef) map[string]interface{} {
	return map[string]interface{}{
		ArgObjectClass: string(object.Class),
		ArgObjectID:    object.ID,
	}
}

// ObjectFromArgs reads the object a job acts on back out of its args, which may have been through JSON.
func ObjectFromArgs(args map[string]interface{}) (ObjectRef, error) {
	var decoded struct {
		Class string `mapstructure:"object_class"`
		ID    int64  `mapstructure:"object_id"`
	}
	if err := mapstructure.WeakDecode(args, &decoded); err != nil {
		return ObjectRef{}, errors.WithStack(err)
	}
	if decoded.Class == "" || decoded.ID == 0 {
		return ObjectRef{}, errors.Errorf("job args %v do not name an object", args)
	}
	return ObjectRef{Class: Class(decoded.Class), ID: decoded.ID}, nil
}

// StringArg returns a string argument or "".
func StringArg(args map[string]interface{}, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// IntArg returns an integer argument that may have been decoded from JSON as a float.
func IntArg(args map[string]interface{}, key string) (int64, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false
	}
	var out int64
	if err := mapstructure.WeakDecode(v, &out); err != nil {
		return 0, false
	}
	return out, true
}
