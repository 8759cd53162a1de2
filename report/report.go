// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package report defines the completion status delivered for every request
// issued by a chord runner.
//
// A successful exchange completes with a nil error. Any other outcome is
// reported as a *Report, whose Code classifies the failure:
//
//	if errors.Is(err, report.ErrTimeOut) {
//	   // the peer did not answer in time
//	}
package report

import (
	"errors"
	"fmt"
)

// Code classifies the outcome of an exchange.
type Code byte

const (
	Normal          Code = iota // Completed successfully, or benign completion
	Occupied                    // Another request to the same peer is in flight
	TimeOut                     // The deadline elapsed without a response
	InvalidResponse             // The peer sent a malformed or inconsistent reply
	InvalidArgument             // The request was malformed or rejected by the peer
)

var codeNames = [...]string{
	Normal:          "NORMAL",
	Occupied:        "OCCUPIED",
	TimeOut:         "TIMEOUT",
	InvalidResponse: "INVALID_RESPONSE",
	InvalidArgument: "INVALID_ARGUMENT",
}

var codeReasons = [...]string{
	Normal:          "completed normally",
	Occupied:        "request already pending for peer",
	TimeOut:         "request timed out",
	InvalidResponse: "invalid response from peer",
	InvalidArgument: "invalid argument",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code %d", byte(c))
}

// Reason returns the default human-readable reason for c.
func (c Code) Reason() string {
	if int(c) < len(codeReasons) {
		return codeReasons[c]
	}
	return "unknown status"
}

// A Report is the concrete type of errors describing a protocol outcome.
type Report struct {
	Code   Code
	Reason string // if empty, the default reason for Code is used
}

// New constructs a report with the given code and a formatted reason.
func New(code Code, msg string, args ...any) *Report {
	return &Report{Code: code, Reason: fmt.Sprintf(msg, args...)}
}

// Error satisfies the error interface.
func (r *Report) Error() string {
	if r.Reason == "" {
		return r.Code.Reason()
	}
	return fmt.Sprintf("%s: %s", r.Code.Reason(), r.Reason)
}

// Is reports whether target is a *Report with the same code as r. This allows
// the sentinel values below to be used with errors.Is.
func (r *Report) Is(target error) bool {
	t, ok := target.(*Report)
	return ok && t.Code == r.Code
}

// Sentinel reports for use with errors.Is.
var (
	ErrOccupied        = &Report{Code: Occupied}
	ErrTimeOut         = &Report{Code: TimeOut}
	ErrInvalidResponse = &Report{Code: InvalidResponse}
	ErrInvalidArgument = &Report{Code: InvalidArgument}
)

// CodeOf returns the code carried by err. A nil error is Normal. An error that
// does not wrap a *Report is classified as InvalidArgument.
func CodeOf(err error) Code {
	if err == nil {
		return Normal
	}
	var r *Report
	if errors.As(err, &r) {
		return r.Code
	}
	return InvalidArgument
}
