// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package cicderr defines the error kinds shared across the control plane:
// the source-host client, cluster client, manifest resolver, and deploy
// coordinator all classify their failures into one of these so the
// reconciler can decide how to react without string matching.
package cicderr

import (
	"errors"
	"fmt"
)

// Kind classifies a control-plane error.
type Kind string

const (
	NotFound         Kind = "NotFound"
	Conflict         Kind = "Conflict"
	Upstream         Kind = "Upstream" // source-host failure, non-transient
	ClusterTransient Kind = "ClusterTransient"
	ClusterFatal     Kind = "ClusterFatal" // Forbidden or SchemaInvalid
	DataCorruption   Kind = "DataCorruption"
	InvalidInput     Kind = "InvalidInput" // state-tuple violation
	EmptyManifest    Kind = "EmptyManifest"
	ArtifactRequired Kind = "ArtifactRequired"
	Io               Kind = "Io"
)

// Error is the error type surfaced by control-plane components.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error of the given kind.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
