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

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controllerutil"
)

// EnsureFinalizer adds name to obj's finalizer list and persists the change
// if it was not already present. Call this from the live (non-deleting)
// branch of a two-phase reconcile, per spec.md §4.4/§4.8.
func EnsureFinalizer(ctx context.Context, c client.Client, obj client.Object, name string) (bool, error) {
	if controllerutil.ContainsFinalizer(obj, name) {
		return false, nil
	}
	controllerutil.AddFinalizer(obj, name)
	if err := c.Update(ctx, obj); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFinalizerAndPersist removes name from obj's finalizer list and
// persists the change. Call this only once cleanup has fully completed;
// until then the reconciler should keep requeuing (DefaultShutdownRequeue)
// rather than call this.
func RemoveFinalizerAndPersist(ctx context.Context, c client.Client, obj client.Object, name string) error {
	if !controllerutil.ContainsFinalizer(obj, name) {
		return nil
	}
	controllerutil.RemoveFinalizer(obj, name)
	return c.Update(ctx, obj)
}

// IsDeleting reports whether obj has a non-zero DeletionTimestamp, the
// signal a two-phase reconciler branches on.
func IsDeleting(obj client.Object) bool {
	return !obj.GetDeletionTimestamp().IsZero()
}
