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

// Package node performs the one-shot local-node bookkeeping the agent does
// outside of any reconcile loop: clearing the startup taints that tell the
// scheduler the datapath isn't ready yet, per spec.md §5's "Node startup
// taint" behavior.
package node

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
)

var log = logging.WithSubsys("node")

// Startup taint keys removed once the local datapath has booted
// successfully, matching kubernetes/node.rs's TAINT_MESH_STARTUP /
// TAINT_CILIUM_STARTUP in original_source/.
const (
	TaintMeshStartup   = "mesh-cni.dev/startup"
	TaintCiliumStartup = "node.cilium.io/agent-not-ready"
)

// RemoveStartupTaints drops the startup taints from nodeName, signalling
// readiness to the scheduler. It is a no-op if the node carries neither
// taint.
func RemoveStartupTaints(ctx context.Context, clientset kubernetes.Interface, nodeName string) error {
	this, err := clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return errors.Wrap(errors.KubeAPI, "get local node", err)
	}

	filtered := make([]corev1.Taint, 0, len(this.Spec.Taints))
	removed := false
	for _, t := range this.Spec.Taints {
		if t.Key == TaintMeshStartup || t.Key == TaintCiliumStartup {
			removed = true
			continue
		}
		filtered = append(filtered, t)
	}
	if !removed {
		return nil
	}

	this.Spec.Taints = filtered
	if _, err := clientset.CoreV1().Nodes().Update(ctx, this, metav1.UpdateOptions{}); err != nil {
		return errors.Wrap(errors.KubeAPI, "update local node taints", err)
	}
	log.WithField(logfields.K8sNodeName, nodeName).Info("removed startup taints")
	return nil
}
