package model

import (
	"time"

	"gridworker/internal/model/enum"
)

const (
	// AvailabilityLifetime is how long a host availability record stays visible.
	AvailabilityLifetime = 30 * time.Second
	// DefaultRetention is how long requests and responses are kept by the store.
	DefaultRetention = 24 * time.Hour
)

// AssignedRequest is a request the grid manager assigned to a worker host.
type AssignedRequest struct {
	RequestID          RequestID     `json:"requestId"`
	WorkerHostComputer string        `json:"workerHostComputer"`
	WorkerHostInstance string        `json:"workerHostInstance,omitempty"`
	RequesterID        *UserIdentity `json:"requesterId,omitempty"`
	Description        string        `json:"description,omitempty"`
	SubmitTime         time.Time     `json:"submitTime"`
}

// Host returns the targeted worker host.
func (r AssignedRequest) Host() HostIdentity {
	return HostIdentity{Computer: r.WorkerHostComputer, Instance: r.WorkerHostInstance}
}

// Key is the store identity of the assignment.
func (r AssignedRequest) Key() string {
	return "Request." + r.RequestID.String() + ".AssignedWorkflowRequest." +
		r.WorkerHostComputer + "." + r.Host().InstanceOrDefault()
}

// CancellationRequest asks for a request to be abandoned.
// An empty WorkerHostComputer addresses every host.
type CancellationRequest struct {
	RequestID          RequestID     `json:"requestId"`
	WorkerHostComputer string        `json:"workerHostComputer,omitempty"`
	WorkerHostInstance string        `json:"workerHostInstance,omitempty"`
	RequesterID        *UserIdentity `json:"requesterId,omitempty"`
	CancelReason       string        `json:"cancelReason,omitempty"`
}

// Host returns the targeted worker host, empty for broadcast cancellations.
func (c CancellationRequest) Host() HostIdentity {
	return HostIdentity{Computer: c.WorkerHostComputer, Instance: c.WorkerHostInstance}
}

// Key is the store identity of the cancellation.
func (c CancellationRequest) Key() string {
	return "Cancellation." + c.RequestID.String()
}

// WorkerResponse reports the status of a request on a worker host.
type WorkerResponse struct {
	RequestID          RequestID          `json:"requestId"`
	WorkerHostComputer string             `json:"workerHostComputer"`
	WorkerHostInstance string             `json:"workerHostInstance,omitempty"`
	Status             enum.RequestStatus `json:"status"`
	FaultDetail        *ExceptionDetail   `json:"faultDetail,omitempty"`
	RequesterID        *UserIdentity      `json:"requesterId,omitempty"`
	CancelReason       string             `json:"cancelReason,omitempty"`
}

// Host returns the reporting worker host.
func (r WorkerResponse) Host() HostIdentity {
	return HostIdentity{Computer: r.WorkerHostComputer, Instance: r.WorkerHostInstance}
}

// Key is the store identity of the response.
func (r WorkerResponse) Key() string {
	return "Response." + r.RequestID.String() + ".WorkerResponse." +
		r.WorkerHostComputer + "." + r.Host().InstanceOrDefault()
}

// WorkerAvailability advertises the free capacity of a worker host.
type WorkerAvailability struct {
	WorkerHostComputer string `json:"workerHostComputer"`
	WorkerHostInstance string `json:"workerHostInstance,omitempty"`
	AvailableNodeCount int64  `json:"availableNodeCount"`
}

// Host returns the advertising worker host.
func (a WorkerAvailability) Host() HostIdentity {
	return HostIdentity{Computer: a.WorkerHostComputer, Instance: a.WorkerHostInstance}
}

// Key is the store identity of the availability record.
func (a WorkerAvailability) Key() string {
	return "WorkerAvailability." + a.WorkerHostComputer + "." + a.Host().InstanceOrDefault()
}
