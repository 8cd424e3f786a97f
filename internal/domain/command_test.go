package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"durableflow/internal/domain"
)

func TestCommandValidate(t *testing.T) {
	fireAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cmd     domain.Command
		wantErr bool
	}{
		{"complete", domain.Command{Type: domain.CommandCompleteExecution}, false},
		{"fail without message", domain.Command{Type: domain.CommandFailExecution, Fail: &domain.FailAttributes{}}, true},
		{"fail", domain.Command{Type: domain.CommandFailExecution, Fail: &domain.FailAttributes{Message: "boom"}}, false},
		{"cancel", domain.Command{Type: domain.CommandCancelExecution}, false},
		{"timer without duration", domain.Command{Type: domain.CommandStartTimer, StartTimer: &domain.StartTimerAttributes{Name: "t"}}, true},
		{"timer with duration", domain.Command{Type: domain.CommandStartTimer, StartTimer: &domain.StartTimerAttributes{DurationMs: 10}}, false},
		{"timer at", domain.Command{Type: domain.CommandStartTimer, StartTimer: &domain.StartTimerAttributes{FireAt: &fireAt}}, false},
		{"cancel timer without id", domain.Command{Type: domain.CommandCancelTimer, CancelTimer: &domain.CancelTimerAttributes{}}, true},
		{"promise missing", domain.Command{Type: domain.CommandCreatePromise}, true},
		{"promise negative timeout", domain.Command{Type: domain.CommandCreatePromise, CreatePromise: &domain.CreatePromiseAttributes{TimeoutMs: -1}}, true},
		{"promise", domain.Command{Type: domain.CommandCreatePromise, CreatePromise: &domain.CreatePromiseAttributes{Name: "p"}}, false},
		{"resolve without id", domain.Command{Type: domain.CommandResolvePromise, ResolvePromise: &domain.ResolvePromiseAttributes{}}, true},
		{"task without kind", domain.Command{Type: domain.CommandScheduleTask, ScheduleTask: &domain.ScheduleAttributes{}}, true},
		{"task", domain.Command{Type: domain.CommandScheduleTask, ScheduleTask: &domain.ScheduleAttributes{Kind: "email"}}, false},
		{"child in task slot", domain.Command{Type: domain.CommandScheduleChildWorkflow, ScheduleTask: &domain.ScheduleAttributes{Kind: "sub"}}, true},
		{"signal without name", domain.Command{Type: domain.CommandWaitForSignal, WaitForSignal: &domain.WaitForSignalAttributes{}}, true},
		{"set state", domain.Command{Type: domain.CommandSetState, State: &domain.StateAttributes{Key: "k"}}, false},
		{"clear state without key", domain.Command{Type: domain.CommandClearState}, true},
		{"unknown", domain.Command{Type: "LAUNCH_ROCKET"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidCommand)
				assert.True(t, domain.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCommandTerminal(t *testing.T) {
	assert.True(t, domain.Command{Type: domain.CommandCompleteExecution}.Terminal())
	assert.True(t, domain.Command{Type: domain.CommandCancelExecution}.Terminal())
	assert.False(t, domain.Command{Type: domain.CommandRequestCancellation}.Terminal())
	assert.False(t, domain.Command{Type: domain.CommandStartTimer}.Terminal())
}

func TestErrorWrapping(t *testing.T) {
	err := domain.E("submit", "exe_1", domain.ErrLeaseLost)
	assert.Equal(t, "submit exe_1: lease lost", err.Error())
	assert.True(t, errors.Is(err, domain.ErrLeaseLost))
	assert.True(t, domain.IsConflict(err))
	assert.False(t, domain.IsNotFound(err))

	err = domain.Validationf("bad %s", "input")
	assert.True(t, domain.IsValidation(err))
	assert.EqualError(t, err, "validation failed: bad input")
}
