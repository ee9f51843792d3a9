package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApply_TransitionTable(t *testing.T) {
	t.Parallel()

	statuses := []Status{StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}
	actions := []Action{ActionStart, ActionPause, ActionResume, ActionCancel, ActionComplete, ActionFail}
	legal := map[Status]map[Action]Status{
		StatusPending: {ActionStart: StatusRunning, ActionCancel: StatusCancelled},
		StatusRunning: {
			ActionPause:    StatusPaused,
			ActionCancel:   StatusCancelled,
			ActionComplete: StatusCompleted,
			ActionFail:     StatusFailed,
		},
		StatusPaused: {ActionResume: StatusRunning, ActionCancel: StatusCancelled},
	}
	now := time.Unix(1_700_000_000, 0).UTC()

	for _, from := range statuses {
		for _, action := range actions {
			j := Job{ID: "job-1", Status: from}
			err := j.Apply(action, now, nil)
			want, ok := legal[from][action]
			if ok {
				require.NoError(t, err, "%s from %s", action, from)
				require.Equal(t, want, j.Status)
				continue
			}
			require.Error(t, err, "%s from %s should be rejected", action, from)
			require.True(t, errors.Is(err, ErrIllegalTransition))
			var rej *RejectionError
			require.ErrorAs(t, err, &rej)
			require.Equal(t, from, rej.Current)
			require.Equal(t, from, j.Status, "rejected action must not mutate status")
		}
	}
}

func TestApply_PauseCompletedIsRejectedWithCurrentStatus(t *testing.T) {
	t.Parallel()

	j := Job{ID: "job-1", Status: StatusCompleted}
	err := j.Apply(ActionPause, time.Now(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "completed")
	require.Equal(t, StatusCompleted, j.Status)
}

func TestApply_StampsTimestamps(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0).UTC()
	end := start.Add(time.Minute)
	j := Job{ID: "job-1", Status: StatusPending, Progress: Progress{Phase: PhaseQueued}}

	require.NoError(t, j.Apply(ActionStart, start, nil))
	require.NotNil(t, j.StartedAt)
	require.Equal(t, start, *j.StartedAt)
	require.Nil(t, j.CompletedAt)

	j.Progress.Phase = PhaseScrapeItemDetails
	require.NoError(t, j.Apply(ActionFail, end, &ErrorInfo{Code: ErrorCodeTimeout, Message: "deadline"}))
	require.Equal(t, StatusFailed, j.Status)
	require.NotNil(t, j.CompletedAt)
	require.Equal(t, end, *j.CompletedAt)
	require.Equal(t, ErrorCodeTimeout, j.Error.Code)
	require.Equal(t, PhaseScrapeItemDetails, j.Error.Phase)
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	a, err := ParseAction("pause")
	require.NoError(t, err)
	require.Equal(t, ActionPause, a)

	a, err = ParseAction("stop")
	require.NoError(t, err)
	require.Equal(t, ActionCancel, a)

	_, err = ParseAction("complete")
	require.Error(t, err)
}
