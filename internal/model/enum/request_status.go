package enum

import (
	"strings"

	"gridworker/pkg/exception"
)

// RequestStatus is the lifecycle status of a grid request as reported in worker responses.
type RequestStatus uint8

const (
	RequestStatusUndefined RequestStatus = iota
	RequestStatusReceived
	RequestStatusEnqueued
	RequestStatusLaunched
	RequestStatusCommencing
	RequestStatusInProgress
	RequestStatusCompleted
	RequestStatusCancelled
	RequestStatusFaulted
	_request_status_end
)

var requestStatusNames = [...]string{
	RequestStatusUndefined:  "Undefined",
	RequestStatusReceived:   "Received",
	RequestStatusEnqueued:   "Enqueued",
	RequestStatusLaunched:   "Launched",
	RequestStatusCommencing: "Commencing",
	RequestStatusInProgress: "InProgress",
	RequestStatusCompleted:  "Completed",
	RequestStatusCancelled:  "Cancelled",
	RequestStatusFaulted:    "Faulted",
}

func (s RequestStatus) IsAvailable() bool {
	return s < _request_status_end
}

// IsTerminal reports whether no further transition is expected.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusCancelled, RequestStatusFaulted:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. Terminal statuses rank above every
// other status and among themselves as Completed < Cancelled < Faulted.
func (s RequestStatus) Rank() int {
	return int(s)
}

// Advances reports whether moving from s to next is a forward transition.
// A terminal status only gives way to a higher ranked terminal status.
func (s RequestStatus) Advances(next RequestStatus) bool {
	if !next.IsAvailable() {
		return false
	}
	return next.Rank() > s.Rank()
}

func (s RequestStatus) String() string {
	if !s.IsAvailable() {
		return "Unknown"
	}
	return requestStatusNames[s]
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	if !s.IsAvailable() {
		return nil, exception.ErrTypeUnsupported
	}
	return []byte(requestStatusNames[s]), nil
}

func (s *RequestStatus) UnmarshalText(text []byte) error {
	status, ok := ParseRequestStatus(string(text))
	if !ok {
		return exception.ErrTypeUnsupported
	}
	*s = status
	return nil
}

// ParseRequestStatus matches a status name case-insensitively.
func ParseRequestStatus(name string) (RequestStatus, bool) {
	name = strings.TrimSpace(name)
	for i, n := range requestStatusNames {
		if strings.EqualFold(n, name) {
			return RequestStatus(i), true
		}
	}
	return RequestStatusUndefined, false
}
