package workflow

import (
	"fmt"

	"dpn/pkg/types"
)

// Error is an illegal transition or a missing prerequisite. Nothing was
// mutated and redelivering the same message cannot succeed.
type Error struct {
	Op            string
	CorrelationID types.CorrelationID
	Peer          types.NodeID
	Step          types.Step
	Reason        string
	Err           error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.CorrelationID)
	if e.Peer != "" {
		msg += fmt.Sprintf(" peer %s", e.Peer)
	}
	if e.Step != "" {
		msg += fmt.Sprintf(" at %s", e.Step)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Permanent() bool { return true }

func workflowError(op string, correlation types.CorrelationID, peer types.NodeID, step types.Step, reason string) *Error {
	return &Error{Op: op, CorrelationID: correlation, Peer: peer, Step: step, Reason: reason}
}

func recordError(op string, rec *Record, reason string) *Error {
	return workflowError(op, rec.CorrelationID, rec.Peer, rec.Step, reason)
}

// TransferError is a failed download or digest.
type TransferError struct {
	Peer     types.NodeID
	Location string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s from %s failed: %v", e.Location, e.Peer, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// PublishError is an outbound message the broker did not accept.
type PublishError struct {
	Peer types.NodeID
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Peer, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// FixityMismatchNote describes a digest that does not match the registry.
func FixityMismatchNote(expected, actual string) string {
	return fmt.Sprintf("fixity mismatch: expected %s, got %s", expected, actual)
}
