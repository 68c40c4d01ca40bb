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

package cluster

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controllerutil"

	"github.com/mesh-cni/agent/api/v1alpha1"
	ctrlpkg "github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/k8s/multicluster"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
)

func indexerOf[T runtime.Object](objs ...T) cache.Indexer {
	idx := cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{})
	for _, o := range objs {
		_ = idx.Add(o)
	}
	return idx
}

func toCluster(obj interface{}) (*v1alpha1.Cluster, bool) { v, ok := obj.(*v1alpha1.Cluster); return v, ok }

func clusterScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(s)
	_ = v1alpha1.AddToScheme(s)
	return s
}

func TestControllerStartsWatchAndAddsFinalizer(t *testing.T) {
	cr := &v1alpha1.Cluster{ObjectMeta: metav1.ObjectMeta{Name: "remote-a"}, Spec: v1alpha1.ClusterSpec{ID: 2}}
	fakeClient := crfake.NewClientBuilder().WithScheme(clusterScheme()).WithObjects(cr).Build()

	obs := make(chan multicluster.Observation, 8)
	c := NewController(
		fakeClient,
		reflector.NewIndexerStore[*v1alpha1.Cluster](indexerOf(cr), toCluster),
		obs,
		func(ctx context.Context, spec v1alpha1.ClusterSpec) (kubernetes.Interface, error) {
			return fake.NewSimpleClientset(), nil
		},
		time.Second,
	)

	result, err := c.Reconcile(context.Background(), ctrlpkg.Request{Name: "remote-a"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != DefaultWatchRequeue {
		t.Fatalf("RequeueAfter = %v, want %v", result.RequeueAfter, DefaultWatchRequeue)
	}

	var got v1alpha1.Cluster
	if err := fakeClient.Get(context.Background(), client.ObjectKey{Name: "remote-a"}, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !controllerutil.ContainsFinalizer(&got, v1alpha1.ClusterFinalizer) {
		t.Fatalf("expected cluster finalizer to have been added")
	}

	c.mu.Lock()
	_, running := c.active["remote-a"]
	c.mu.Unlock()
	if !running {
		t.Fatalf("expected a watch entry to have been registered for remote-a")
	}
}

func TestControllerReconcileIsIdempotentForARunningWatch(t *testing.T) {
	cr := &v1alpha1.Cluster{ObjectMeta: metav1.ObjectMeta{Name: "remote-a"}, Spec: v1alpha1.ClusterSpec{ID: 2}}
	fakeClient := crfake.NewClientBuilder().WithScheme(clusterScheme()).WithObjects(cr).Build()

	calls := 0
	obs := make(chan multicluster.Observation, 8)
	c := NewController(
		fakeClient,
		reflector.NewIndexerStore[*v1alpha1.Cluster](indexerOf(cr), toCluster),
		obs,
		func(ctx context.Context, spec v1alpha1.ClusterSpec) (kubernetes.Interface, error) {
			calls++
			return fake.NewSimpleClientset(), nil
		},
		time.Second,
	)

	ctx := context.Background()
	req := ctrlpkg.Request{Name: "remote-a"}
	if _, err := c.Reconcile(ctx, req); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if _, err := c.Reconcile(ctx, req); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected ClientFor to be called exactly once across repeated reconciles, got %d", calls)
	}
}

func TestControllerCleanupRequeuesUntilWatchConfirmsShutdown(t *testing.T) {
	now := metav1.NewTime(metav1.Now().Time)
	cr := &v1alpha1.Cluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "remote-a",
			DeletionTimestamp: &now,
			Finalizers:        []string{v1alpha1.ClusterFinalizer},
		},
	}
	fakeClient := crfake.NewClientBuilder().WithScheme(clusterScheme()).WithObjects(cr).Build()

	c := NewController(
		fakeClient,
		reflector.NewIndexerStore[*v1alpha1.Cluster](indexerOf(cr), toCluster),
		make(chan multicluster.Observation, 8),
		nil,
		time.Second,
	)

	done := make(chan struct{})
	_, cancel := context.WithCancel(context.Background())
	c.active["remote-a"] = &watchEntry{cancel: cancel, done: done}

	result, err := c.Reconcile(context.Background(), ctrlpkg.Request{Name: "remote-a"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != ctrlpkg.DefaultShutdownRequeue {
		t.Fatalf("expected a shutdown-requeue result while the watch has not confirmed yet, got %+v", result)
	}

	close(done)
	if _, err := c.Reconcile(context.Background(), ctrlpkg.Request{Name: "remote-a"}); err != nil {
		t.Fatalf("Reconcile after confirmed shutdown: %v", err)
	}

	c.mu.Lock()
	_, stillActive := c.active["remote-a"]
	c.mu.Unlock()
	if stillActive {
		t.Fatalf("expected the watch entry to have been removed once shutdown was confirmed")
	}
}
