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

package multicluster

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/mesh-cni/agent/internal/types"
)

func TestClusterRunTagsObservationsWithClusterIdentity(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web"},
	})
	spec := types.ClusterSpec{ID: 7, Name: "prod-east"}
	cluster := NewCluster(spec, clientset)

	out := make(chan Observation, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cluster.Run(ctx, out, 5*time.Second) }()

	if _, err := clientset.CoreV1().Services("default").Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "added"},
	}, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create service: %v", err)
	}

	select {
	case obs := <-out:
		if obs.ClusterID != 7 || obs.ClusterName != "prod-east" {
			t.Fatalf("observation not tagged with cluster identity: %+v", obs)
		}
		if obs.Kind != ResourceService {
			t.Fatalf("expected ResourceService, got %v", obs.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a tagged observation")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("cluster.Run did not return after context cancellation")
	}
}
