package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecChecker(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		healthy bool
		message string
	}{
		{name: "exit zero", script: "true", healthy: true},
		{name: "exit non-zero", script: "exit 3", healthy: false},
		{name: "pipeline", script: "echo ready | grep -q ready", healthy: true},
		{name: "stdout in message", script: "echo pong", healthy: true, message: "pong"},
		{name: "stderr in message", script: "echo broken >&2; exit 1", healthy: false, message: "broken"},
		{name: "empty", script: "  ", healthy: false, message: "no script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewExecChecker(tt.script).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			if tt.message != "" {
				assert.Contains(t, result.Message, tt.message)
			}
		})
	}
}

func TestExecChecker_Timeout(t *testing.T) {
	checker := NewExecChecker("sleep 5").WithTimeout(50 * time.Millisecond)

	start := time.Now()
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, CheckTypeExec, checker.Type())
}

func TestExecChecker_Env(t *testing.T) {
	checker := NewExecChecker(`test "$CONDO_PORT" = 8080`)
	checker.Env = []string{"CONDO_PORT=8080"}

	assert.True(t, checker.Check(context.Background()).Healthy)
}
