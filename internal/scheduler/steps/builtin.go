package steps

import (
	"time"

	"github.com/pkg/errors"

	"github.com/whamcloud/lmgr/internal/common/mgrerrors"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Names of the step classes every registry carries.
const (
	NoopStep         = "noop"
	WaitStep         = "wait"
	AwaitSessionStep = "await_session"
)

// Argument keys of remote steps.
const (
	ArgFqdn        = "fqdn"
	ArgAction      = "action"
	ArgActionArgs  = "action_args"
	ArgResultInto  = "result_into"
	ArgWaitSeconds = "seconds"
)

// RegisterBuiltins adds the local step classes.
func RegisterBuiltins(r *Registry) error {
	for _, def := range []Definition{
		{
			Name:       NoopStep,
			Idempotent: true,
			Run: func(ctx *Context, args map[string]interface{}) (interface{}, error) {
				return nil, ctx.CancelCheck()
			},
		},
		{
			Name:       WaitStep,
			Idempotent: true,
			Run: func(ctx *Context, args map[string]interface{}) (interface{}, error) {
				seconds, _ := model.IntArg(args, ArgWaitSeconds)
				return nil, ctx.Sleep(time.Duration(seconds) * time.Second)
			},
		},
		{
			Name:       AwaitSessionStep,
			Idempotent: true,
			Run: func(ctx *Context, args map[string]interface{}) (interface{}, error) {
				fqdn := model.StringArg(args, ArgFqdn)
				if ctx.Agent == nil {
					return nil, errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "no agent caller configured"})
				}
				ctx.Logf("Waiting for the agent on %s", fqdn)
				return nil, ctx.Agent.AwaitSession(ctx, fqdn)
			},
		},
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Remote returns a step class invoking one agent action. Its args carry the host fqdn, the action args
// and, optionally, where to store the result: {"object_class", "object_id", "attribute"}.
func Remote(name, action string, idempotent bool) Definition {
	return Definition{
		Name:       name,
		Idempotent: idempotent,
		Run: func(ctx *Context, args map[string]interface{}) (interface{}, error) {
			fqdn := model.StringArg(args, ArgFqdn)
			if fqdn == "" {
				return nil, errors.WithStack(&mgrerrors.ErrStepFailed{Step: name, Message: "no host fqdn in step args"})
			}
			actionArgs, _ := args[ArgActionArgs].(map[string]interface{})
			result, err := ctx.InvokeAgent(fqdn, action, actionArgs)
			if err != nil {
				return nil, err
			}
			if into, ok := args[ArgResultInto].(map[string]interface{}); ok {
				ref, err := model.ObjectFromArgs(into)
				if err != nil {
					return nil, errors.WithStack(&mgrerrors.ErrFatalInternal{Message: "bad result target", Cause: err})
				}
				ctx.SetAttributes(ref, map[string]interface{}{model.StringArg(into, "attribute"): result})
			}
			return result, nil
		},
	}
}

// RemoteArgs builds the args of a Remote step.
func RemoteArgs(fqdn string, actionArgs map[string]interface{}) map[string]interface{} {
	if actionArgs == nil {
		actionArgs = map[string]interface{}{}
	}
	return map[string]interface{}{ArgFqdn: fqdn, ArgActionArgs: actionArgs}
}

// StoreResult makes a Remote step store its result as attribute of object.
func StoreResult(args map[string]interface{}, object model.ObjectRef, attribute string) map[string]interface{} {
	into := model.ObjectArgs(object)
	into["attribute"] = attribute
	args[ArgResultInto] = into
	return args
}
