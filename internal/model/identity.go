package model

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
)

// DefaultHostInstance names the host instance when none is configured.
const DefaultHostInstance = "Default"

// RequestID identifies a grid request across assignments, cancellations and responses.
type RequestID = uuid.UUID

// NewRequestID returns a random request id.
func NewRequestID() RequestID {
	return uuid.New()
}

// ParseRequestID parses the textual form of a request id.
func ParseRequestID(s string) (RequestID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "parse request id").With("id", s)
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.Errorf("nil request id")
	}
	return id, nil
}

// HostIdentity names the worker host a record is targeted at.
// An empty Instance is the default instance of the computer.
type HostIdentity struct {
	Computer string
	Instance string
}

// LocalHost resolves the identity of this machine for the given instance.
func LocalHost(instance string) (HostIdentity, error) {
	name, err := os.Hostname()
	if err != nil {
		return HostIdentity{}, errors.Wrap(err, "resolve host name")
	}
	return HostIdentity{Computer: name, Instance: NormalizeInstance(instance)}, nil
}

// InstanceOrDefault returns the instance name or DefaultHostInstance.
func (h HostIdentity) InstanceOrDefault() string {
	if h.Instance == "" {
		return DefaultHostInstance
	}
	return h.Instance
}

func (h HostIdentity) String() string {
	return h.Computer + "/" + h.InstanceOrDefault()
}

// NormalizeInstance maps the default sentinel and blanks to the empty instance.
func NormalizeInstance(instance string) string {
	instance = strings.TrimSpace(instance)
	if strings.EqualFold(instance, DefaultHostInstance) {
		return ""
	}
	return instance
}

// UserIdentity is the requester of a grid request.
type UserIdentity struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

func (u *UserIdentity) String() string {
	if u == nil {
		return ""
	}
	return u.Name
}
