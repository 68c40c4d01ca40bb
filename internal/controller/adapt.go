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

package controller

import (
	"context"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
)

var log = logging.WithSubsys("controller")

// adapter bridges the agent's own Reconciler to controller-runtime's
// reconcile.Reconciler, so the agent's engines (§5.5-5.8) implement the
// agent's own Reconcile signature rather than controller-runtime's, per
// Design Note "avoid leaking library-specific errors". The engines still
// use controller-runtime's client package for API writes.
type adapter struct {
	inner Reconciler
}

func (a *adapter) Reconcile(ctx context.Context, req reconcile.Request) (ctrl.Result, error) {
	result, err := a.inner.Reconcile(ctx, Request{Namespace: req.Namespace, Name: req.Name})
	if err == nil {
		return ctrl.Result{RequeueAfter: result.RequeueAfter}, nil
	}

	classified, classifiedErr := classify(err)
	if classifiedErr != nil {
		log.WithField(logfields.Object, req.String()).WithError(classifiedErr).Error("reconcile failed")
	}
	return ctrl.Result{RequeueAfter: classified.RequeueAfter}, classifiedErr
}

// Options configures a single controller registration: which object kind it
// watches, how many objects it may reconcile concurrently, and the
// reconciler itself.
type Options struct {
	Name                    string
	For                     client.Object
	Owns                    []client.Object
	MaxConcurrentReconciles int
	Reconciler              Reconciler
}

// Register builds a controller-runtime controller.Controller for opts and
// attaches it to mgr. MaxConcurrentReconciles and controller-runtime's
// default exponential-backoff rate limiter together give every engine the
// concurrency cap and backoff spec.md §4.4 requires without this package
// reimplementing a work queue.
func Register(mgr manager.Manager, opts Options) error {
	maxConcurrent := opts.MaxConcurrentReconciles
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	b := ctrl.NewControllerManagedBy(mgr).
		Named(opts.Name).
		For(opts.For).
		WithOptions(controller.Options{MaxConcurrentReconciles: maxConcurrent})

	for _, owned := range opts.Owns {
		b = b.Owns(owned)
	}

	return b.Complete(&adapter{inner: opts.Reconciler})
}
