package message

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FieldError names one offending field and the rule it broke.
type FieldError struct {
	Field string
	Rule  string
	Value string
}

func (f FieldError) String() string {
	if f.Value == "" {
		return fmt.Sprintf("%s: %s", f.Field, f.Rule)
	}
	return fmt.Sprintf("%s: %s (got %q)", f.Field, f.Rule, f.Value)
}

func joinFields(fields []FieldError) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

func sortFieldErrors(fields []FieldError) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
}

// EnvelopeError reports malformed headers.
type EnvelopeError struct {
	CorrelationID string
	From          string
	Fields        []FieldError
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("invalid envelope from %q (correlation %q): %s", e.From, e.CorrelationID, joinFields(e.Fields))
}

// BodyError reports a body that does not satisfy the schema for its name.
type BodyError struct {
	Name          Name
	CorrelationID string
	From          string
	Fields        []FieldError
	Err           error
}

func (e *BodyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s body from %q (correlation %q): %v", e.Name, e.From, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("invalid %s body from %q (correlation %q): %s", e.Name, e.From, e.CorrelationID, joinFields(e.Fields))
}

func (e *BodyError) Unwrap() error { return e.Err }

// UnknownNameError is returned for message names outside the protocol.
type UnknownNameError struct {
	Name string
}

func (e *UnknownNameError) Error() string {
	return fmt.Sprintf("unknown message name %q", e.Name)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks a handler error that redelivery cannot fix. The router
// acknowledges such messages instead of requeueing them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain declares itself
// permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
