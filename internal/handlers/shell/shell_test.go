package shell

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/worker"
)

func TestShellReturnsOutput(t *testing.T) {
	out, err := Shell{}.Handle(context.Background(), json.RawMessage(`{"command":"echo","args":["hello"]}`))
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)
}

func TestShellErrors(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		permanent bool
	}{
		{"bad json", `{`, true},
		{"missing command", `{"args":["x"]}`, true},
		{"command fails", `{"command":"false"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Shell{}.Handle(context.Background(), json.RawMessage(tt.input))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, worker.IsPermanent(err))
		})
	}
}
