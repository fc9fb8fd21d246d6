package mgrerrors

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindOf(t *testing.T) {
	tests := map[string]struct {
		err       error
		kind      Kind
		retryable bool
	}{
		"nil": {
			err:  nil,
			kind: KindNone,
		},
		"cancelled": {
			err:  errors.WithMessage(ErrCancelled, "mount_target"),
			kind: KindCancelled,
		},
		"context cancelled": {
			err:  context.Canceled,
			kind: KindCancelled,
		},
		"scheduling": {
			err:  &ErrScheduling{Reason: ReasonNoRoute},
			kind: KindSchedulingError,
		},
		"drift": {
			err:  errors.WithStack(&ErrStateDrift{Object: "host:1", Expected: "lnet_up", Actual: "removed"}),
			kind: KindStateDrift,
		},
		"session lost": {
			err:       errors.Wrap(&ErrSessionLost{Fqdn: "mds0"}, "calling agent"),
			kind:      KindSessionLost,
			retryable: true,
		},
		"timeout": {
			err:       &ErrTimeout{Action: "format_target", Timeout: time.Second},
			kind:      KindTimeout,
			retryable: true,
		},
		"deadline": {
			err:       context.DeadlineExceeded,
			kind:      KindTimeout,
			retryable: true,
		},
		"fatal": {
			err:  &ErrFatalInternal{Message: "duplicate job id"},
			kind: KindFatalInternal,
		},
		"anything else is a step failure": {
			err:       errors.New("mkfs.lustre exited 1"),
			kind:      KindStepFailed,
			retryable: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestCodeFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		code codes.Code
	}{
		"not found": {
			err:  errors.WithStack(&ErrNotFound{Type: "host", Value: "4"}),
			code: codes.NotFound,
		},
		"unknown ref": {
			err:  &ErrScheduling{Reason: ReasonUnknownRef},
			code: codes.NotFound,
		},
		"no route": {
			err:  &ErrScheduling{Reason: ReasonNoRoute},
			code: codes.FailedPrecondition,
		},
		"invalid argument": {
			err:  &ErrInvalidArgument{Name: "state", Value: "sideways"},
			code: codes.InvalidArgument,
		},
		"already exists": {
			err:  &ErrAlreadyExists{Type: "host", Value: "oss0"},
			code: codes.AlreadyExists,
		},
		"multierror uses the first error": {
			err:  multierror.Append(nil, &ErrNotFound{Value: "1"}, &ErrInvalidArgument{Name: "x"}),
			code: codes.NotFound,
		},
		"fatal": {
			err:  &ErrFatalInternal{Message: "integrity"},
			code: codes.Internal,
		},
		"status passthrough": {
			err:  status.Error(codes.Aborted, "aborted"),
			code: codes.Aborted,
		},
		"unknown": {
			err:  errors.New("boom"),
			code: codes.Unknown,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.code, CodeFromError(tc.err))
		})
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	interceptor := UnaryServerInterceptor()
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.Wrap(&ErrNotFound{Type: "job", Value: "12"}, "cancel_job")
	})
	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, `resource "12" of type "job" does not exist`, st.Message())

	rv, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", rv)
}
