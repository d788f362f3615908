// Package hypervisor holds what the Proxmox and libvirt backends share:
// the error taxonomy and the retry policy.
package hypervisor

import (
	"errors"
	"fmt"
)

// TransportError means the request never produced a usable answer
// (dial, TLS, reset connection, timeout). Only these are retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a well-formed refusal from the hypervisor, e.g. a non-2xx
// HTTP status or a libvirt RPC error.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
}

// MalformedResponseError is a success response whose body could not be
// decoded into what the operation expects.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
