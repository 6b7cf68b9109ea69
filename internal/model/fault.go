package model

import (
	"errors"
	"fmt"
	"strings"
)

// ExceptionDetail describes a failure attached to a Faulted response.
type ExceptionDetail struct {
	FullName   string           `json:"fullName"`
	Message    string           `json:"message"`
	Source     string           `json:"source,omitempty"`
	StackTrace string           `json:"stackTrace,omitempty"`
	Inner      *ExceptionDetail `json:"innerError,omitempty"`
}

// NewExceptionDetail captures err and its wrapped chain.
func NewExceptionDetail(err error) *ExceptionDetail {
	if err == nil {
		return nil
	}
	detail := &ExceptionDetail{
		FullName: fmt.Sprintf("%T", err),
		Message:  err.Error(),
	}
	if inner := errors.Unwrap(err); inner != nil {
		detail.Inner = NewExceptionDetail(inner)
	}
	return detail
}

// ShortName is the last segment of FullName.
func (d *ExceptionDetail) ShortName() string {
	if d == nil {
		return ""
	}
	name := strings.TrimLeft(d.FullName, "*")
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func (d *ExceptionDetail) String() string {
	if d == nil {
		return ""
	}
	return d.ShortName() + ": " + d.Message
}
