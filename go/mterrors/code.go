// Copyright 2022 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Modifications Copyright 2025 Supabase, Inc.

// Package mterrors defines the error taxonomy surfaced to the pool framework.
//
// Connect errors come from bad connection parameters or from a failure to
// establish a session. Other errors come from an operation on a session that
// was already established. Callers pick different remediation for each: a
// connect error usually fails pool construction, an other error usually just
// discards the connection.
package mterrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the pool framework.
type Kind int

const (
	// KindConnect is a failure to produce a connection.
	KindConnect Kind = iota + 1
	// KindOther is a failure on an already established session.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Errors added to the list of variables below must be added to the Errors slice a little below in this same file.
// This will enable the auto-documentation of error codes.

var (
	// MT15001 Connect Error
	MT15001 = errorWithKind("MT15001", KindConnect, "connect failed", "The connection parameters could not be parsed, or the database refused or could not be reached while establishing a session. The error is deterministic for malformed parameters and is returned on every connect attempt.")

	// MT15002 Session Error
	MT15002 = errorWithKind("MT15002", KindOther, "session operation failed", "An operation on an established session failed, for example the liveness probe, a prepare or an execute. The connection should be discarded by the pool.")

	// Errors is a list of errors that must match all the variables
	// defined above to enable auto-documentation of error codes.
	Errors = []func(op string, err error) *MultigresError{
		MT15001,
		MT15002,
	}
)

// MultigresError is an error carrying a stable ID and a Kind.
type MultigresError struct {
	Err         error
	Description string
	ID          string
	Kind        Kind
	Op          string
}

func (o *MultigresError) Error() string {
	if o.Op == "" {
		return o.ID + ": " + o.Err.Error()
	}
	return o.ID + ": " + o.Op + ": " + o.Err.Error()
}

func (o *MultigresError) Unwrap() error {
	return o.Err
}

func (o *MultigresError) Cause() error {
	return o.Err
}

var _ error = (*MultigresError)(nil)

func errorWithKind(id string, kind Kind, short, long string) func(op string, err error) *MultigresError {
	return func(op string, err error) *MultigresError {
		if err == nil {
			err = errors.New(short)
		}
		return &MultigresError{
			Err:         err,
			Description: long,
			ID:          id,
			Kind:        kind,
			Op:          op,
		}
	}
}

// Connect wraps err as a connect error.
func Connect(err error) *MultigresError {
	return MT15001("", err)
}

// Other wraps err as a failure of op on an established session.
func Other(op string, err error) *MultigresError {
	return MT15002(op, err)
}

// KindOf returns the Kind of the first MultigresError in err's chain, or 0.
func KindOf(err error) Kind {
	var mterr *MultigresError
	if errors.As(err, &mterr) {
		return mterr.Kind
	}
	return 0
}

// IsConnect reports whether err is a connect error.
func IsConnect(err error) bool {
	return KindOf(err) == KindConnect
}

// IsOther reports whether err is a session error.
func IsOther(err error) bool {
	return KindOf(err) == KindOther
}

// Describe returns the long description for an error ID.
func Describe(id string) (string, error) {
	for _, f := range Errors {
		e := f("", nil)
		if e.ID == id {
			return e.Description, nil
		}
	}
	return "", fmt.Errorf("unknown error id %q", id)
}
