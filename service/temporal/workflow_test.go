package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/affsync/service/syncer"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.SyncPlatform)
	return env, activities
}

func TestSyncPlatformWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		result         *syncer.SyncResult
		err            error
		expectedError  bool
		validateResult func(*testing.T, *syncer.SyncResult)
	}{
		{
			name: "successful sync",
			result: &syncer.SyncResult{
				Platform: "acme",
				Status:   syncer.StatusSucceeded,
				Pages:    2,
				Saved:    10,
				Updated:  3,
			},
			validateResult: func(t *testing.T, r *syncer.SyncResult) {
				assert.Equal(t, syncer.StatusSucceeded, r.Status)
				assert.Equal(t, 2, r.Pages)
				assert.Equal(t, 10, r.Saved)
			},
		},
		{
			name: "quota exhausted completes the workflow",
			result: &syncer.SyncResult{
				Platform: "acme",
				Status:   syncer.StatusQuotaExhausted,
				Pages:    1,
				Saved:    4,
			},
			validateResult: func(t *testing.T, r *syncer.SyncResult) {
				assert.Equal(t, syncer.StatusQuotaExhausted, r.Status)
				assert.Equal(t, 4, r.Saved)
			},
		},
		{
			name:          "activity fails",
			err:           errors.New("sync acme failed: platform adapter failed"),
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv(t)
			env.OnActivity(activities.SyncPlatform, mock.Anything, mock.Anything).Return(tt.result, tt.err)

			env.ExecuteWorkflow(SyncPlatformWorkflow, SyncPlatformInput{Platform: "acme"})
			require.True(t, env.IsWorkflowCompleted())

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result syncer.SyncResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestSyncPlatformWorkflow_PassesWorkflowTime(t *testing.T) {
	env, activities := newWorkflowEnv(t)
	startTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env.SetStartTime(startTime)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var captured SyncPlatformActivityInput
	env.OnActivity(activities.SyncPlatform, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(SyncPlatformActivityInput)
		}).
		Return(&syncer.SyncResult{Platform: "acme", Status: syncer.StatusSucceeded}, nil)

	env.ExecuteWorkflow(SyncPlatformWorkflow, SyncPlatformInput{Platform: "acme", Start: &from, Force: true})
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, "acme", captured.Platform)
	assert.True(t, captured.Now.Equal(startTime), "now = %v", captured.Now)
	require.NotNil(t, captured.Start)
	assert.True(t, captured.Start.Equal(from))
	assert.True(t, captured.Force)
}

func TestSyncPlatformWorkflow_RetriesUpstreamFailures(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	callCount := 0
	env.OnActivity(activities.SyncPlatform, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { callCount++ }).
		Return(nil, errors.New("platform adapter failed: HTTP 503"))

	env.ExecuteWorkflow(SyncPlatformWorkflow, SyncPlatformInput{Platform: "acme"})

	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}

func TestSyncPlatformWorkflow_NoRetryWithoutStartDate(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	callCount := 0
	env.OnActivity(activities.SyncPlatform, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { callCount++ }).
		Return(nil, temporalsdk.NewNonRetryableApplicationError("no watermark", ErrTypeNoStartDate, syncer.ErrNoStartDate))

	env.ExecuteWorkflow(SyncPlatformWorkflow, SyncPlatformInput{Platform: "acme"})

	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, callCount)
}
