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

package policy

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/types"
)

func indexerOf[T runtime.Object](objs ...T) cache.Indexer {
	idx := cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{})
	for _, o := range objs {
		_ = idx.Add(o)
	}
	return idx
}

func toNetworkPolicy(obj interface{}) (*networkingv1.NetworkPolicy, bool) {
	v, ok := obj.(*networkingv1.NetworkPolicy)
	return v, ok
}
func toIdentity(obj interface{}) (*v1alpha1.Identity, bool) { v, ok := obj.(*v1alpha1.Identity); return v, ok }

func protoPtr(p corev1.Protocol) *corev1.Protocol { return &p }

func policyScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(s)
	_ = v1alpha1.AddToScheme(s)
	return s
}

type fakePolicyMap struct {
	data map[types.PolicyKey]types.PolicyAction
}

func newFakePolicyMap() *fakePolicyMap {
	return &fakePolicyMap{data: make(map[types.PolicyKey]types.PolicyAction)}
}
func (m *fakePolicyMap) Update(k types.PolicyKey, v types.PolicyAction) error { m.data[k] = v; return nil }
func (m *fakePolicyMap) Delete(k types.PolicyKey) error                      { delete(m.data, k); return nil }
func (m *fakePolicyMap) Get(k types.PolicyKey) (types.PolicyAction, bool, error) {
	v, ok := m.data[k]
	return v, ok, nil
}
func (m *fakePolicyMap) Snapshot() (map[types.PolicyKey]types.PolicyAction, error) {
	out := make(map[types.PolicyKey]types.PolicyAction, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}
func (m *fakePolicyMap) Close() error { return nil }

func TestRendererWritesIngressAllowEntries(t *testing.T) {
	backend := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "backend", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "backend"}, ID: 100},
	}
	frontend := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "frontend", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "frontend"}, ID: 200},
	}
	other := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "other"}, ID: 300},
	}

	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "allow-frontend", Namespace: "ns-a"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": "backend"}},
			PolicyTypes: []networkingv1.PolicyType{"Ingress"},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "frontend"}}}},
				Ports: []networkingv1.NetworkPolicyPort{{
					Protocol: protoPtr(corev1.ProtocolTCP),
					Port:     &intstr.IntOrString{IntVal: 8080},
				}},
			}},
		},
	}

	policyMap := bpfmap.NewCachedMap[types.PolicyKey, types.PolicyAction](newFakePolicyMap())
	r := NewRenderer(
		fake.NewClientBuilder().WithScheme(policyScheme()).WithObjects(np).Build(),
		policyMap,
		reflector.NewIndexerStore[*networkingv1.NetworkPolicy](indexerOf(np), toNetworkPolicy),
		reflector.NewIndexerStore[*v1alpha1.Identity](indexerOf(backend, frontend, other), toIdentity),
	)

	if _, err := r.Reconcile(context.Background(), controller.Request{Namespace: "ns-a", Name: "allow-frontend"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	key := types.PolicyKey{SrcID: 200, DstID: 100, DstPort: 8080, Protocol: types.ProtocolTCP}
	if action, ok, err := policyMap.Get(key); err != nil || !ok || action != types.PolicyAllow {
		t.Fatalf("expected allow entry for frontend->backend:8080, ok=%v action=%v err=%v", ok, action, err)
	}

	snap, _ := policyMap.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly one entry (other should not match the From selector), got %d: %+v", len(snap), snap)
	}
}

func TestRendererNoPortsIsWildcard(t *testing.T) {
	dst := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "dst", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "dst"}, ID: 10},
	}
	src := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "src", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "src"}, ID: 20},
	}

	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "allow-all-ports", Namespace: "ns-a"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": "dst"}},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "src"}}}},
			}},
		},
	}

	policyMap := bpfmap.NewCachedMap[types.PolicyKey, types.PolicyAction](newFakePolicyMap())
	r := NewRenderer(
		fake.NewClientBuilder().WithScheme(policyScheme()).WithObjects(np).Build(),
		policyMap,
		reflector.NewIndexerStore[*networkingv1.NetworkPolicy](indexerOf(np), toNetworkPolicy),
		reflector.NewIndexerStore[*v1alpha1.Identity](indexerOf(dst, src), toIdentity),
	)

	if _, err := r.Reconcile(context.Background(), controller.Request{Namespace: "ns-a", Name: "allow-all-ports"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	key := types.PolicyKey{SrcID: 20, DstID: 10, DstPort: 0, Protocol: types.ProtocolAny}
	if _, ok, _ := policyMap.Get(key); !ok {
		t.Fatalf("expected wildcard port/proto entry for a rule with no ports")
	}
}

func TestRendererRemovesStaleEntriesOnNarrowedRule(t *testing.T) {
	dst := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "dst", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "dst"}, ID: 10},
	}
	srcA := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "src-a", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "src-a"}, ID: 20},
	}
	srcB := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "src-b", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{PodLabels: map[string]string{"app": "src-b"}, ID: 30},
	}

	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "narrowing", Namespace: "ns-a"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": "dst"}},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{
					{PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "src-a"}}},
					{PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "src-b"}}},
				},
			}},
		},
	}

	policyMap := bpfmap.NewCachedMap[types.PolicyKey, types.PolicyAction](newFakePolicyMap())
	r := NewRenderer(
		fake.NewClientBuilder().WithScheme(policyScheme()).WithObjects(np).Build(),
		policyMap,
		reflector.NewIndexerStore[*networkingv1.NetworkPolicy](indexerOf(np), toNetworkPolicy),
		reflector.NewIndexerStore[*v1alpha1.Identity](indexerOf(dst, srcA, srcB), toIdentity),
	)
	ctx := context.Background()
	req := controller.Request{Namespace: "ns-a", Name: "narrowing"}

	if _, err := r.Reconcile(ctx, req); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if snap, _ := policyMap.Snapshot(); len(snap) != 2 {
		t.Fatalf("expected 2 entries before narrowing, got %d", len(snap))
	}

	np.Spec.Ingress[0].From = []networkingv1.NetworkPolicyPeer{
		{PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "src-a"}}},
	}
	r.NetworkPolicies = reflector.NewIndexerStore[*networkingv1.NetworkPolicy](indexerOf(np), toNetworkPolicy)

	if _, err := r.Reconcile(ctx, req); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	snap, _ := policyMap.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 entry after narrowing, got %d: %+v", len(snap), snap)
	}
	if _, ok := snap[types.PolicyKey{SrcID: 30, DstID: 10, DstPort: 0, Protocol: types.ProtocolAny}]; ok {
		t.Fatalf("expected src-b's entry to have been deleted after narrowing the From list")
	}
}

func TestRendererCleansUpOnDeletion(t *testing.T) {
	now := metav1.NewTime(metav1.Now().Time)
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name: "deleting", Namespace: "ns-a",
			DeletionTimestamp: &now,
			Finalizers:        []string{PolicyCleanupFinalizer},
		},
	}

	policyMap := bpfmap.NewCachedMap[types.PolicyKey, types.PolicyAction](newFakePolicyMap())
	r := NewRenderer(
		fake.NewClientBuilder().WithScheme(policyScheme()).WithObjects(np).Build(),
		policyMap,
		reflector.NewIndexerStore[*networkingv1.NetworkPolicy](indexerOf(np), toNetworkPolicy),
		reflector.NewIndexerStore[*v1alpha1.Identity](indexerOf[*v1alpha1.Identity](), toIdentity),
	)
	key := types.PolicyKey{SrcID: 1, DstID: 2, DstPort: 80, Protocol: types.ProtocolTCP}
	r.keysByPolicy[policyRef{Namespace: "ns-a", Name: "deleting"}] = map[types.PolicyKey]struct{}{key: {}}
	if err := policyMap.Update(key, types.PolicyAllow); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if _, err := r.Reconcile(context.Background(), controller.Request{Namespace: "ns-a", Name: "deleting"}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, ok, _ := policyMap.Get(key); ok {
		t.Fatalf("expected policy entry to have been deleted on NetworkPolicy deletion")
	}
}
