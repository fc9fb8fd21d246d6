package logging

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestApplyConfig(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	assert.NoError(t, ApplyConfig(Config{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, ApplyConfig(Config{Level: "loud"}))
	assert.Error(t, ApplyConfig(Config{Format: "xml"}))
}

func TestWithStacktrace(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())

	withStack := WithStacktrace(entry, errors.Wrap(errors.New("disk full"), "format_target"))
	assert.Contains(t, withStack.Data, Stacktrace)
	assert.Contains(t, withStack.Data, logrus.ErrorKey)

	plain := WithStacktrace(entry, plainError("nope"))
	assert.NotContains(t, plain.Data, Stacktrace)
}

type plainError string

func (e plainError) Error() string { return string(e) }
