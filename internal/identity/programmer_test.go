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
	"net"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/types"
)

func toNode(obj interface{}) (*corev1.Node, bool) { v, ok := obj.(*corev1.Node); return v, ok }

// fakeIPCache is a minimal bpfmap.Map test double recording every write.
type fakeIPCache struct {
	data map[types.IPCacheKey]uint32
}

func newFakeIPCache() *fakeIPCache { return &fakeIPCache{data: make(map[types.IPCacheKey]uint32)} }

func (m *fakeIPCache) Update(k types.IPCacheKey, v uint32) error {
	m.data[k] = v
	return nil
}
func (m *fakeIPCache) Delete(k types.IPCacheKey) error { delete(m.data, k); return nil }
func (m *fakeIPCache) Get(k types.IPCacheKey) (uint32, bool, error) {
	v, ok := m.data[k]
	return v, ok, nil
}
func (m *fakeIPCache) Snapshot() (map[types.IPCacheKey]uint32, error) {
	out := make(map[types.IPCacheKey]uint32, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}
func (m *fakeIPCache) Close() error { return nil }

func TestProgrammerReconcileNodeUsesLocalAndRemoteIDs(t *testing.T) {
	local := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
		Status:     corev1.NodeStatus{Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.1"}}},
	}
	remote := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-b"},
		Status:     corev1.NodeStatus{Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.2"}}},
	}

	v4 := bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache())
	p := &Programmer{
		LocalNodeName: "node-a",
		IPCacheV4:     v4,
		IPCacheV6:     bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache()),
		Nodes:         reflector.NewIndexerStore[*corev1.Node](namespaceIndexer(local, remote), toNode),
	}

	if _, err := p.ReconcileNode(context.Background(), controller.Request{Name: "node-a"}); err != nil {
		t.Fatalf("ReconcileNode(local): %v", err)
	}
	if _, err := p.ReconcileNode(context.Background(), controller.Request{Name: "node-b"}); err != nil {
		t.Fatalf("ReconcileNode(remote): %v", err)
	}

	localKey, _ := types.NewIPCacheKey(mustParseIP(t, "10.0.0.1"))
	remoteKey, _ := types.NewIPCacheKey(mustParseIP(t, "10.0.0.2"))

	if id, ok, _ := v4.Get(localKey); !ok || id != types.LocalNodeID {
		t.Fatalf("local node id = %d, ok=%v, want %d", id, ok, types.LocalNodeID)
	}
	if id, ok, _ := v4.Get(remoteKey); !ok || id != types.RemoteNodeID {
		t.Fatalf("remote node id = %d, ok=%v, want %d", id, ok, types.RemoteNodeID)
	}
}

func TestProgrammerReconcilePodSkipsHostNetwork(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "host-pod", Namespace: "ns-a"},
		Spec:       corev1.PodSpec{HostNetwork: true},
		Status:     corev1.PodStatus{PodIPs: []corev1.PodIP{{IP: "10.0.0.9"}}},
	}
	v4 := bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache())
	p := &Programmer{
		IPCacheV4: v4,
		IPCacheV6: bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache()),
		Pods:      reflector.NewIndexerStore[*corev1.Pod](namespaceIndexer(pod), toPod),
	}

	if _, err := p.ReconcilePod(context.Background(), controller.Request{Namespace: "ns-a", Name: "host-pod"}); err != nil {
		t.Fatalf("ReconcilePod: %v", err)
	}

	if snap, _ := v4.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected no ip cache writes for a host-network pod, got %d", len(snap))
	}
}

func TestProgrammerReconcilePodWritesMatchedIdentity(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns-a", Labels: map[string]string{"env": "test"}}}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pod-a", Namespace: "ns-a", Labels: map[string]string{"app": "demo"}},
		Status:     corev1.PodStatus{PodIPs: []corev1.PodIP{{IP: "192.168.1.1"}}},
	}
	ident := &v1alpha1.Identity{
		ObjectMeta: metav1.ObjectMeta{Name: "abc", Namespace: "ns-a"},
		Spec:       v1alpha1.IdentitySpec{NamespaceLabels: ns.Labels, PodLabels: pod.Labels, ID: 500},
	}

	v4 := bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache())
	p := &Programmer{
		IPCacheV4:  v4,
		IPCacheV6:  bpfmap.NewCachedMap[types.IPCacheKey, uint32](newFakeIPCache()),
		Pods:       reflector.NewIndexerStore[*corev1.Pod](namespaceIndexer(pod), toPod),
		Namespaces: reflector.NewIndexerStore[*corev1.Namespace](namespaceIndexer(ns), toNamespace),
		Identities: reflector.NewIndexerStore[*v1alpha1.Identity](namespaceIndexer(ident), toIdentity),
	}

	if _, err := p.ReconcilePod(context.Background(), controller.Request{Namespace: "ns-a", Name: "pod-a"}); err != nil {
		t.Fatalf("ReconcilePod: %v", err)
	}

	key, _ := types.NewIPCacheKey(mustParseIP(t, "192.168.1.1"))
	if id, ok, _ := v4.Get(key); !ok || id != 500 {
		t.Fatalf("pod ip id = %d, ok=%v, want 500", id, ok)
	}
}

func mustParseIP(t *testing.T, s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("invalid test IP %q", s)
	}
	return ip
}
