// Package mgrerrors contains the errors shared by the scheduler, the agent bus and the command façade.
// gRPC interceptors look for the error types defined in this file and set the gRPC status code
// accordingly.
//
// If several errors occur in one call (e.g., several unknown object refs), the function should return a
// multierror.Error from github.com/hashicorp/go-multierror wrapping each of them.
package mgrerrors

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for the purposes of retry and reporting.
type Kind string

const (
	KindNone            Kind = ""
	KindSchedulingError Kind = "scheduling_error"
	KindStateDrift      Kind = "state_drift"
	KindStepFailed      Kind = "step_failed"
	KindSessionLost     Kind = "session_lost"
	KindTimeout         Kind = "timeout"
	KindCancelled       Kind = "cancelled"
	KindFatalInternal   Kind = "fatal_internal"
)

// ErrCancelled is returned by anything that stopped because the user cancelled the job driving it.
var ErrCancelled = errors.New("cancelled")

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
type ErrInvalidArgument struct {
	Name    string
	Value   interface{}
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

type SchedulingReason string

const (
	ReasonNoRoute         SchedulingReason = "no_route"
	ReasonCycle           SchedulingReason = "cycle"
	ReasonUnknownRef      SchedulingReason = "unknown_ref"
	ReasonImmutable       SchedulingReason = "immutable"
	ReasonUnknownState    SchedulingReason = "unknown_state"
	ReasonUnknownJobClass SchedulingReason = "unknown_job_class"
	ReasonInvalidJobArgs  SchedulingReason = "invalid_job_args"
)

// ErrScheduling is returned synchronously when an intent cannot be turned into a job graph.
type ErrScheduling struct {
	Reason  SchedulingReason
	Object  string
	Message string
}

func (err *ErrScheduling) Error() string {
	s := fmt.Sprintf("scheduling error (%s)", err.Reason)
	if err.Object != "" {
		s += fmt.Sprintf(" for %s", err.Object)
	}
	if err.Message != "" {
		s += ": " + err.Message
	}
	return s
}

// ErrStateDrift means a write lock was granted but the object was no longer in the state the job was
// planned against.
type ErrStateDrift struct {
	Object   string
	Expected string
	Actual   string
}

func (err *ErrStateDrift) Error() string {
	return fmt.Sprintf("state drift on %s: expected %q, found %q", err.Object, err.Expected, err.Actual)
}

// ErrStepFailed carries the failure reported by a step, including any remote backtrace.
type ErrStepFailed struct {
	Step      string
	Message   string
	Backtrace string
}

func (err *ErrStepFailed) Error() string {
	return fmt.Sprintf("step %s failed: %s", err.Step, err.Message)
}

// ErrSessionLost is returned for an agent RPC whose session was terminated or replaced while in flight.
type ErrSessionLost struct {
	Fqdn      string
	SessionID string
}

func (err *ErrSessionLost) Error() string {
	if err.SessionID == "" {
		return fmt.Sprintf("no session established with %s", err.Fqdn)
	}
	return fmt.Sprintf("session %s with %s lost", err.SessionID, err.Fqdn)
}

// ErrTimeout is returned when an agent RPC exceeds its deadline.
type ErrTimeout struct {
	Action  string
	Timeout time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("%s did not complete within %s", err.Action, err.Timeout)
}

// ErrFatalInternal marks planner invariant violations and database integrity errors.
type ErrFatalInternal struct {
	Message string
	Cause   error
}

func (err *ErrFatalInternal) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("internal error: %s: %s", err.Message, err.Cause)
	}
	return "internal error: " + err.Message
}

func (err *ErrFatalInternal) Unwrap() error {
	return err.Cause
}

// KindOf looks through the chain of err and returns the kind of the first known error type.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	{
		var e *ErrScheduling
		if errors.As(err, &e) {
			return KindSchedulingError
		}
	}
	{
		var e *ErrStateDrift
		if errors.As(err, &e) {
			return KindStateDrift
		}
	}
	{
		var e *ErrSessionLost
		if errors.As(err, &e) {
			return KindSessionLost
		}
	}
	{
		var e *ErrTimeout
		if errors.As(err, &e) {
			return KindTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	{
		var e *ErrFatalInternal
		if errors.As(err, &e) {
			return KindFatalInternal
		}
	}
	return KindStepFailed
}

// IsRetryable reports whether a step that failed with err may be attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStepFailed, KindSessionLost, KindTimeout:
		return true
	default:
		return false
	}
}

// CodeFromError maps error types to gRPC return codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	{
		var e *multierror.Error
		if errors.As(err, &e) && len(e.Errors) > 0 {
			return CodeFromError(e.Errors[0])
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return codes.AlreadyExists
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return codes.InvalidArgument
		}
	}
	{
		var e *ErrScheduling
		if errors.As(err, &e) {
			if e.Reason == ReasonUnknownRef {
				return codes.NotFound
			}
			return codes.FailedPrecondition
		}
	}
	switch KindOf(err) {
	case KindCancelled:
		return codes.Canceled
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindSessionLost:
		return codes.Unavailable
	case KindFatalInternal:
		return codes.Internal
	}
	return codes.Unknown
}

// UnaryServerInterceptor returns an interceptor that extracts the cause of an error chain
// and returns it as a gRPC status error.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		rv, err := handler(ctx, req)
		return rv, toStatus(err)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return toStatus(handler(srv, stream))
	}
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := CodeFromError(err)
	return status.Error(code, errors.Cause(err).Error())
}
