package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugSwitch(t *testing.T) {
	var buf bytes.Buffer
	quiet := NewWithWriter(false, &buf)
	quiet.Debug("hidden")
	quiet.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	loud := NewWithWriter(true, &buf)
	loud.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter(false, &buf), "funder").Info("hello")
	assert.Contains(t, buf.String(), "component=funder")
}
