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
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mesh-cni/agent/internal/errors"
)

const testFinalizer = "mesh-cni.dev/test-cleanup"

func newFakeClient(objs ...runtime.Object) *fake.ClientBuilder {
	return fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).WithRuntimeObjects(objs...)
}

func TestEnsureFinalizerIsIdempotent(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns"}}
	c := newFakeClient(ns).Build()

	added, err := EnsureFinalizer(context.Background(), c, ns, testFinalizer)
	if err != nil {
		t.Fatalf("EnsureFinalizer: %v", err)
	}
	if !added {
		t.Fatalf("expected the finalizer to be newly added")
	}

	added, err = EnsureFinalizer(context.Background(), c, ns, testFinalizer)
	if err != nil {
		t.Fatalf("EnsureFinalizer (replay): %v", err)
	}
	if added {
		t.Fatalf("expected the second call to be a no-op")
	}
}

func TestRemoveFinalizerAndPersist(t *testing.T) {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "ns", Finalizers: []string{testFinalizer}},
	}
	c := newFakeClient(ns).Build()

	if err := RemoveFinalizerAndPersist(context.Background(), c, ns, testFinalizer); err != nil {
		t.Fatalf("RemoveFinalizerAndPersist: %v", err)
	}

	var got corev1.Namespace
	if err := c.Get(context.Background(), client.ObjectKey{Name: "ns"}, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, f := range got.Finalizers {
		if f == testFinalizer {
			t.Fatalf("expected finalizer to be removed, still present: %v", got.Finalizers)
		}
	}
}

func TestIsDeleting(t *testing.T) {
	live := &corev1.Namespace{}
	if IsDeleting(live) {
		t.Fatalf("expected a live object not to be deleting")
	}

	now := metav1.Now()
	deleting := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{DeletionTimestamp: &now, Finalizers: []string{testFinalizer}},
	}
	if !IsDeleting(deleting) {
		t.Fatalf("expected an object with a DeletionTimestamp to be deleting")
	}
}

func TestClassifyRequeuesStoreNotReady(t *testing.T) {
	result, err := classify(errors.New(errors.StoreNotReady, "test", nil))
	if err != nil {
		t.Fatalf("expected classify to swallow a StoreNotReady error into a requeue, got %v", err)
	}
	if result.RequeueAfter != DefaultShutdownRequeue {
		t.Fatalf("RequeueAfter = %v, want %v", result.RequeueAfter, DefaultShutdownRequeue)
	}

	result, err = classify(errors.New(errors.Invalid, "test", nil))
	if err == nil {
		t.Fatalf("expected classify to propagate a non-retryable error")
	}
	if result.RequeueAfter != 0 {
		t.Fatalf("expected no requeue alongside a propagated error")
	}
}
