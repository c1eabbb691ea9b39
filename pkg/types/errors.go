// Copyright 2026 Memoryfab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the memory engine. Callers match with errors.Is.
var (
	// ErrNotFound is returned for retrieve/forget/restore on an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without invoking the underlying callable.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrQueryTimeout is returned when a statement exceeds its deadline.
	ErrQueryTimeout = errors.New("query timeout")
)

// InvalidInputError reports caller input that failed validation: empty or
// oversize content, a bad confirmation sentinel, a malformed tag, or an
// embedding dimension mismatch.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// NewInvalidInput builds an InvalidInputError with a formatted reason.
func NewInvalidInput(format string, args ...interface{}) *InvalidInputError {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}

// EmbeddingError wraps a failure of the embedding callable, including
// invalid vector shapes.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return "embedding: " + e.Err.Error()
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// TagError wraps a failure of the tag extractor callable, including
// unparseable payloads.
type TagError struct {
	Err error
}

func (e *TagError) Error() string {
	return "tag extraction: " + e.Err.Error()
}

func (e *TagError) Unwrap() error { return e.Err }

// PropositionError wraps a failure of the optional proposition callable.
type PropositionError struct {
	Err error
}

func (e *PropositionError) Error() string {
	return "proposition extraction: " + e.Err.Error()
}

func (e *PropositionError) Unwrap() error { return e.Err }

// DatabaseError wraps any storage failure other than a query timeout.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// NewDatabaseError wraps err with the failing operation name.
func NewDatabaseError(op string, err error) *DatabaseError {
	return &DatabaseError{Op: op, Err: err}
}
