package domain

// Action is a lifecycle event applied to a correction.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionProcess Action = "process"
	ActionSettle  Action = "settle"
	ActionCancel  Action = "cancel"
	// ActionReturn records a bank return against a processing correction.
	ActionReturn Action = "return"
)

var transitions = map[Action]struct {
	from []CorrectionStatus
	to   CorrectionStatus
}{
	ActionCreate:  {from: []CorrectionStatus{""}, to: StatusDraft},
	ActionUpdate:  {from: []CorrectionStatus{StatusDraft}, to: StatusDraft},
	ActionSubmit:  {from: []CorrectionStatus{StatusDraft}, to: StatusPendingApproval},
	ActionApprove: {from: []CorrectionStatus{StatusPendingApproval}, to: StatusApproved},
	ActionProcess: {from: []CorrectionStatus{StatusApproved}, to: StatusProcessing},
	ActionSettle:  {from: []CorrectionStatus{StatusProcessing}, to: StatusCompleted},
	ActionCancel:  {from: []CorrectionStatus{StatusDraft, StatusPendingApproval, StatusApproved}, to: StatusCancelled},
	ActionReturn:  {from: []CorrectionStatus{StatusProcessing}, to: StatusProcessing},
}

// NextStatus returns the status reached by applying a to current, or a
// state error if the transition is illegal.
func NextStatus(current CorrectionStatus, a Action) (CorrectionStatus, error) {
	tr, ok := transitions[a]
	if !ok {
		return "", Validationf("unknown action %q", a)
	}
	for _, f := range tr.from {
		if f == current {
			return tr.to, nil
		}
	}
	if current == "" {
		return "", Statef("cannot %s a correction that does not exist", a)
	}
	return "", Statef("cannot %s a correction in status %s", a, current)
}

// ReplayStatus folds an event history through the state machine. Any event
// whose recorded statuses disagree with the fold is rejected.
func ReplayStatus(events []AuditEntry) (CorrectionStatus, error) {
	var status CorrectionStatus
	for i, ev := range events {
		if ev.FromStatus != status {
			return "", Statef("event %d (%s) starts from %s, replay is at %s", i+1, ev.Action, ev.FromStatus, status)
		}
		next, err := NextStatus(status, ev.Action)
		if err != nil {
			return "", err
		}
		if ev.ToStatus != next {
			return "", Statef("event %d (%s) ends at %s, expected %s", i+1, ev.Action, ev.ToStatus, next)
		}
		status = next
	}
	return status, nil
}
