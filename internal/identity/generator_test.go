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

package identity

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/types"
)

func namespaceIndexer[T runtime.Object](objs ...T) cache.Indexer {
	idx := cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{})
	for _, o := range objs {
		_ = idx.Add(o)
	}
	return idx
}

func toNamespace(obj interface{}) (*corev1.Namespace, bool) { v, ok := obj.(*corev1.Namespace); return v, ok }
func toPod(obj interface{}) (*corev1.Pod, bool)             { v, ok := obj.(*corev1.Pod); return v, ok }
func toIdentity(obj interface{}) (*v1alpha1.Identity, bool) { v, ok := obj.(*v1alpha1.Identity); return v, ok }

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(s)
	_ = v1alpha1.AddToScheme(s)
	return s
}

func TestGeneratorMintsNewIdentityForUnmatchedPod(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns-a", Labels: map[string]string{"env": "test"}}}
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name: "pod-a", Namespace: "ns-a",
		Labels: map[string]string{"app": "demo", "controller-revision-hash": "remove"},
	}}

	nsObjs := []*corev1.Namespace{ns}
	podObjs := []*corev1.Pod{pod}
	identObjs := []*v1alpha1.Identity{}

	g := &Generator{
		Client:     fake.NewClientBuilder().WithScheme(newScheme()).Build(),
		Namespaces: reflector.NewIndexerStore[*corev1.Namespace](namespaceIndexer(nsObjs...), toNamespace),
		Pods:       reflector.NewIndexerStore[*corev1.Pod](namespaceIndexer(podObjs...), toPod),
		Identities: reflector.NewIndexerStore[*v1alpha1.Identity](namespaceIndexer(identObjs...), toIdentity),
	}

	result, err := g.Reconcile(context.Background(), controller.Request{Name: "ns-a"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != GeneratorRequeue {
		t.Fatalf("RequeueAfter = %v, want %v", result.RequeueAfter, GeneratorRequeue)
	}

	expectedLabels := types.Normalize(ns.Labels, pod.Labels)
	expectedName, err := expectedLabels.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	var got v1alpha1.Identity
	if err := g.Client.Get(context.Background(), client.ObjectKey{Namespace: "ns-a", Name: expectedName}, &got); err != nil {
		t.Fatalf("expected identity %s to have been applied: %v", expectedName, err)
	}
	if got.Spec.ID < types.FirstUnreservedID {
		t.Fatalf("allocated id %d is within the reserved band", got.Spec.ID)
	}
	if _, hasEphemeral := got.Spec.PodLabels["controller-revision-hash"]; hasEphemeral {
		t.Fatalf("expected ephemeral pod label to have been stripped before hashing")
	}
}

func TestGeneratorReusesExistingIdentityByHash(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns-a"}}
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "pod-a", Namespace: "ns-a", Labels: map[string]string{"app": "demo"}}}

	labelSet := types.Normalize(ns.Labels, pod.Labels)
	name, err := labelSet.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	existing := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{NamespaceLabels: labelSet.Namespace, PodLabels: labelSet.Pod, ID: 4242},
	}

	g := &Generator{
		Client:     fake.NewClientBuilder().WithScheme(newScheme()).WithRuntimeObjects(existing).Build(),
		Namespaces: reflector.NewIndexerStore[*corev1.Namespace](namespaceIndexer(ns), toNamespace),
		Pods:       reflector.NewIndexerStore[*corev1.Pod](namespaceIndexer(pod), toPod),
		Identities: reflector.NewIndexerStore[*v1alpha1.Identity](namespaceIndexer(existing), toIdentity),
	}

	if _, err := g.Reconcile(context.Background(), controller.Request{Name: "ns-a"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var got v1alpha1.Identity
	if err := g.Client.Get(context.Background(), client.ObjectKey{Namespace: "ns-a", Name: name}, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Spec.ID != 4242 {
		t.Fatalf("expected the existing id 4242 to be reused, got %d", got.Spec.ID)
	}
}

func TestGeneratorDeletesOrphanedIdentity(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns-a"}}
	orphan := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "stale", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{ID: 999},
	}

	g := &Generator{
		Client:     fake.NewClientBuilder().WithScheme(newScheme()).WithRuntimeObjects(orphan).Build(),
		Namespaces: reflector.NewIndexerStore[*corev1.Namespace](namespaceIndexer(ns), toNamespace),
		Pods:       reflector.NewIndexerStore[*corev1.Pod](namespaceIndexer[*corev1.Pod](), toPod),
		Identities: reflector.NewIndexerStore[*v1alpha1.Identity](namespaceIndexer(orphan), toIdentity),
	}

	if _, err := g.Reconcile(context.Background(), controller.Request{Name: "ns-a"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var list v1alpha1.IdentityList
	if err := g.Client.List(context.Background(), &list); err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("expected the orphaned identity to have been deleted, got %d remaining", len(list.Items))
	}
}
