// Copyright 2016-2019 Authors of Cilium
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

// Package errors defines the single error taxonomy shared by every
// subsystem of the agent. Library-specific errors (client-go, grpc, bpf
// syscalls) are converted to one of these kinds at the boundary rather than
// propagated as-is.
package errors

import "fmt"

// Kind classifies an error without binding callers to a specific type name.
type Kind string

const (
	// KernelMap is returned for insert/delete/get/iteration failures against
	// a datapath map.
	KernelMap Kind = "kernel-map"
	// KernelProgram is returned for load/attach/pin failures. Idempotent
	// duplicates (AlreadyLoaded, AlreadyAttached) are not surfaced as this
	// kind; they are swallowed by the caller.
	KernelProgram Kind = "kernel-program"
	// KubeAPI is returned for watch/patch/delete failures against the API
	// server.
	KubeAPI Kind = "kube-api"
	// StoreNotReady is returned when a reflector failed to sync within its
	// init timeout.
	StoreNotReady Kind = "store-not-ready"
	// Invalid is returned when a reconciled object fails a precondition.
	Invalid Kind = "invalid"
	// Channel is returned when a send failed because the receiver dropped.
	// Always terminal for the producer.
	Channel Kind = "channel"
	// IO is returned for filesystem or socket errors.
	IO Kind = "io"
	// ConfigLoad is returned when a kubeconfig or cluster-config file is
	// malformed.
	ConfigLoad Kind = "config-load"
)

// Error is the core error type. It always carries a Kind so callers can
// branch on failure class without parsing strings.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "bpfmap.Update" or
	// "identity.reconcileNamespace".
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind (and the same Op,
// when target sets one), allowing errors.Is(err, errors.New(KernelMap, "", nil))
// style checks. A bare Kind is checked with the package-level Is(err, kind).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return true
}

// New builds an *Error for the given kind, operation, and optional cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap attaches op and kind to an existing error. If err is nil, Wrap
// returns nil so callers can write `return errors.Wrap(...)` unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
