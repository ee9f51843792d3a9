package job

import (
	"errors"
	"fmt"
	"time"
)

// Action is a request to move a job along the state machine.
type Action string

// Caller-facing and system-internal actions.
const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// ErrIllegalTransition is matched by every RejectionError.
var ErrIllegalTransition = errors.New("illegal status transition")

// RejectionError explains why an action was refused for the job's current status.
type RejectionError struct {
	Action  Action
	Current Status
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("cannot %s a job that is %s", e.Action, e.Current)
}

// Is lets errors.Is(err, ErrIllegalTransition) match rejections.
func (e *RejectionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Target resolves the status an action moves a job into from the given status.
func (a Action) Target(from Status) (Status, bool) {
	var to Status
	switch a {
	case ActionStart:
		if from != StatusPending {
			return "", false
		}
		to = StatusRunning
	case ActionPause:
		to = StatusPaused
	case ActionResume:
		if from != StatusPaused {
			return "", false
		}
		to = StatusRunning
	case ActionCancel:
		to = StatusCancelled
	case ActionComplete:
		to = StatusCompleted
	case ActionFail:
		to = StatusFailed
	default:
		return "", false
	}
	return to, CanTransition(from, to)
}

// ParseAction converts caller input into an Action accepted by the Control API.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionStart, ActionPause, ActionResume, ActionCancel:
		return Action(s), nil
	case "stop":
		return ActionCancel, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Apply performs the action on j, stamping timestamps. On an illegal action j is
// left untouched and a *RejectionError is returned. failure is only used by fail.
func (j *Job) Apply(action Action, now time.Time, failure *ErrorInfo) error {
	to, ok := action.Target(j.Status)
	if !ok {
		return &RejectionError{Action: action, Current: j.Status}
	}
	j.Status = to
	j.UpdatedAt = now
	switch action {
	case ActionStart:
		started := now
		j.StartedAt = &started
		j.Progress.StartedAt = &started
	case ActionComplete:
		j.Progress.Phase = PhaseDone
		j.Progress.Percentage = 100
		j.Progress.EstimatedCompletion = nil
	case ActionFail:
		if failure == nil {
			failure = &ErrorInfo{Code: ErrorCodeInternal, Message: "job failed"}
		}
		info := *failure
		if info.Phase == "" {
			info.Phase = j.Progress.Phase
		}
		j.Error = &info
	}
	if to.Terminal() {
		done := now
		j.CompletedAt = &done
	}
	return nil
}
