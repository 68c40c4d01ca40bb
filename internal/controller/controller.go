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

// Package controller defines the agent's own Reconciler contract (spec.md
// §4.4) and adapts it onto sigs.k8s.io/controller-runtime's manager and
// work queue rather than hand-rolling one, per SPEC_FULL.md §5.4.
package controller

import (
	"context"
	"time"

	"github.com/mesh-cni/agent/internal/errors"
)

// Request identifies the single object a Reconcile call should act on.
type Request struct {
	Namespace string
	Name      string
}

// Result is a reconciler's verdict: either wait for the next watch event
// (the zero value), or ask to be requeued after a delay.
type Result struct {
	RequeueAfter time.Duration
}

// Reconciler is the contract every engine (identity, service, policy,
// cluster) implements. Reconcile(x) must be idempotent: calling it twice in
// a row with unchanged backing state must leave the world equivalent to
// calling it once, per spec.md §4.4.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (Result, error)
}

// ReconcilerFunc adapts a plain function to the Reconciler interface.
type ReconcilerFunc func(ctx context.Context, req Request) (Result, error)

func (f ReconcilerFunc) Reconcile(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// DefaultShutdownRequeue is the delay a finalizer's cleanup phase requeues
// at while waiting on dependent shutdown, per spec.md §4.4 and the
// CLUSTER_FINALIZER cleanup loop in original_source's cluster-controller.
const DefaultShutdownRequeue = 5 * time.Second

// classify maps the agent's error taxonomy onto a requeue decision: a
// StoreNotReady error is presumed transient and becomes a plain requeue
// after DefaultShutdownRequeue; everything else (KubeAPI included) is
// returned as-is for controller-runtime's own rate limiter to back off on.
func classify(err error) (Result, error) {
	if err == nil {
		return Result{}, nil
	}
	if errors.Is(err, errors.StoreNotReady) {
		return Result{RequeueAfter: DefaultShutdownRequeue}, nil
	}
	return Result{}, err
}
