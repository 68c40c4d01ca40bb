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
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var progLog = logging.WithSubsys("identity-programmer")

// ProgrammerRequeue mirrors node.rs/pod.rs's Action::requeue(DEFAULT_REQUEUE_DURATION).
const ProgrammerRequeue = 300 * time.Second

// Programmer writes the IP->identity mapping into the dual-stack LPM
// tables: Node IPs get the reserved local/remote node id (spec.md §4.5,
// resolving Open Question 1), Pod IPs get the id of the Identity whose
// label tuple matches the pod's (namespace, sanitized pod) labels.
//
// It is exposed as two independent controller.Reconciler entrypoints
// (ReconcileNode, ReconcilePod) since spec.md keys these by different
// object kinds; both share the same cached maps and stores, grounded on
// original_source's mesh-cni-identity-controller node.rs/pod.rs.
type Programmer struct {
	LocalNodeName string

	IPCacheV4 *bpfmap.CachedMap[types.IPCacheKey, uint32]
	IPCacheV6 *bpfmap.CachedMap[types.IPCacheKey, uint32]

	Nodes      reflector.Store[*corev1.Node]
	Pods       reflector.Store[*corev1.Pod]
	Namespaces reflector.Store[*corev1.Namespace]
	Identities reflector.Store[*v1alpha1.Identity]
}

// ReconcileNode implements node.rs: every address on the named Node is
// written with LocalNodeID if it is the agent's own node, RemoteNodeID
// otherwise.
func (p *Programmer) ReconcileNode(ctx context.Context, req controller.Request) (controller.Result, error) {
	node, ok := p.Nodes.Get("", req.Name)
	if !ok {
		return controller.Result{}, nil
	}

	id := uint32(types.RemoteNodeID)
	if node.Name == p.LocalNodeName {
		id = types.LocalNodeID
	}

	for _, addr := range nodeAddrs(node) {
		if err := p.write(addr, id); err != nil {
			return controller.Result{}, err
		}
		progLog.WithField(logfields.K8sNodeName, node.Name).WithField(logfields.Identity, id).Debugf("programmed node address %s", addr)
	}

	return controller.Result{RequeueAfter: ProgrammerRequeue}, nil
}

// ReconcilePod implements pod.rs: a host-network pod is skipped (it shares
// the node's own addresses, already programmed by ReconcileNode); every
// other pod's addresses are written with the id of the Identity whose
// label tuple matches its (namespace, sanitized pod) labels.
func (p *Programmer) ReconcilePod(ctx context.Context, req controller.Request) (controller.Result, error) {
	pod, ok := p.Pods.Get(req.Namespace, req.Name)
	if !ok {
		return controller.Result{}, nil
	}
	if pod.Spec.HostNetwork {
		return controller.Result{}, nil
	}

	ns, ok := p.Namespaces.Get("", pod.Namespace)
	if !ok {
		return controller.Result{RequeueAfter: controller.DefaultShutdownRequeue}, nil
	}

	desired := types.Normalize(ns.Labels, pod.Labels)

	var matched *v1alpha1.Identity
	for _, ident := range p.Identities.List() {
		if ident.Namespace != pod.Namespace {
			continue
		}
		have := types.LabelSet{Namespace: ident.Spec.NamespaceLabels, Pod: ident.Spec.PodLabels}
		if have.Equal(desired) {
			matched = ident
			break
		}
	}
	if matched == nil {
		return controller.Result{RequeueAfter: controller.DefaultShutdownRequeue}, nil
	}

	for _, addr := range podAddrs(pod) {
		if err := p.write(addr, matched.Spec.ID); err != nil {
			return controller.Result{}, err
		}
		progLog.WithField(logfields.K8sPodName, pod.Name).WithField(logfields.Identity, matched.Spec.ID).Debugf("programmed pod address %s", addr)
	}

	return controller.Result{RequeueAfter: ProgrammerRequeue}, nil
}

func (p *Programmer) write(ip net.IP, id uint32) error {
	key, ok := types.NewIPCacheKey(ip)
	if !ok {
		return nil
	}
	m := p.IPCacheV4
	if key.Family == types.FamilyV6 {
		m = p.IPCacheV6
	}
	if err := m.Update(key, id); err != nil {
		return errors.Wrap(errors.KernelMap, "program ip cache entry", err)
	}
	return nil
}

func nodeAddrs(node *corev1.Node) []net.IP {
	out := make([]net.IP, 0, len(node.Status.Addresses))
	for _, a := range node.Status.Addresses {
		if ip := net.ParseIP(a.Address); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func podAddrs(pod *corev1.Pod) []net.IP {
	out := make([]net.IP, 0, len(pod.Status.PodIPs))
	for _, a := range pod.Status.PodIPs {
		if ip := net.ParseIP(a.IP); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}
