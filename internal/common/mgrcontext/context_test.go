package mgrcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLogFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := New(context.Background(), logrus.NewEntry(logger))

	ctx = WithLogField(ctx, "job", 7)
	ctx = WithLogFields(ctx, logrus.Fields{"fqdn": "oss0.local", "plugin": "action_runner"})
	ctx.Log.Info("hello")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, 7, entry.Data["job"])
	assert.Equal(t, "oss0.local", entry.Data["fqdn"])
	assert.Equal(t, "action_runner", entry.Data["plugin"])
}

func TestWithCancel_KeepsLogger(t *testing.T) {
	parent := WithLogField(Background(), "command", 3)
	ctx, cancel := WithCancel(parent)
	assert.Equal(t, parent.Log, ctx.Log)
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.NoError(t, parent.Err())
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(WithLogField(Background(), "service", "runner"))
	g.Go(func() error {
		return context.Canceled
	})
	assert.ErrorIs(t, g.Wait(), context.Canceled)
	assert.Error(t, ctx.Err())
	assert.Equal(t, "runner", ctx.Log.Data["service"])
}
