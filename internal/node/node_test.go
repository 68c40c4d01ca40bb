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

package node

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestRemoveStartupTaintsDropsOnlyStartupTaints(t *testing.T) {
	n := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
		Spec: corev1.NodeSpec{Taints: []corev1.Taint{
			{Key: TaintMeshStartup, Effect: corev1.TaintEffectNoSchedule},
			{Key: TaintCiliumStartup, Effect: corev1.TaintEffectNoSchedule},
			{Key: "node.kubernetes.io/unschedulable", Effect: corev1.TaintEffectNoSchedule},
		}},
	}
	clientset := fake.NewSimpleClientset(n)

	if err := RemoveStartupTaints(context.Background(), clientset, "node-a"); err != nil {
		t.Fatalf("RemoveStartupTaints: %v", err)
	}

	got, err := clientset.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Spec.Taints) != 1 || got.Spec.Taints[0].Key != "node.kubernetes.io/unschedulable" {
		t.Fatalf("unexpected remaining taints: %+v", got.Spec.Taints)
	}
}

func TestRemoveStartupTaintsNoOpWithoutStartupTaints(t *testing.T) {
	n := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}}
	clientset := fake.NewSimpleClientset(n)

	if err := RemoveStartupTaints(context.Background(), clientset, "node-a"); err != nil {
		t.Fatalf("RemoveStartupTaints: %v", err)
	}
}
