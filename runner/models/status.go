package models

type StatusKind string

var (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"

	StartStates  [2]StatusKind = [2]StatusKind{StatusKindPending, StatusKindRunning}
	FinishStates [4]StatusKind = [4]StatusKind{StatusKindCancelled, StatusKindFailed, StatusKindSuccess, StatusKindTimeout}
)

func (s StatusKind) IsStart() bool {
	for _, state := range StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, state := range FinishStates {
		if s == state {
			return true
		}
	}
	return false
}
