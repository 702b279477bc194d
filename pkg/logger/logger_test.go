// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnstructuredLogsCheck(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			assert.Equal(t, tt.expected, unstructuredLogs())
		})
	}
}

func TestSetAndGet(t *testing.T) {
	var buf bytes.Buffer
	captured := slog.New(slog.NewJSONHandler(&buf, nil))

	old := Get()
	t.Cleanup(func() { Set(old) })

	Set(captured)
	require.Same(t, captured, Get())

	Infow("hello", "tenant", "acme")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"tenant":"acme"`)
}

func TestHelpersDoNotPanic(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	t.Cleanup(func() { Set(old) })
	Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	Debug("debug")
	Debugf("debug %d", 1)
	Debugw("debug", "k", "v")
	Info("info")
	Infof("info %d", 2)
	Warnw("warn", "k", "v")
	Errorf("error %s", "x")

	assert.Contains(t, buf.String(), "error x")
}
