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
	"sync"

	networkingv1 "k8s.io/api/networking/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var log = logging.WithSubsys("policy")

// PolicyCleanupFinalizer guarantees every allow entry a NetworkPolicy
// caused to be written is deleted before the policy object itself goes
// away: a stale allow entry left behind would keep a flow permitted even
// though no policy selects its endpoint any more, violating spec.md §4.7's
// "absence != deny" default.
const PolicyCleanupFinalizer = "mesh-cni.dev/policy-cleanup"

type policyRef struct {
	Namespace, Name string
}

// Renderer is the NetworkPolicy-keyed Reconciler that renders every
// (identity, peer, port, proto) combination a policy selects into
// (src-id, dst-id, dst-port, proto) -> allow entries, per spec.md §4.7.
type Renderer struct {
	Client client.Client
	Policy *bpfmap.CachedMap[types.PolicyKey, types.PolicyAction]

	NetworkPolicies reflector.Store[*networkingv1.NetworkPolicy]
	Identities      reflector.Store[*v1alpha1.Identity]

	mu            sync.Mutex
	keysByPolicy map[policyRef]map[types.PolicyKey]struct{}
}

var _ controller.Reconciler = (*Renderer)(nil)

// NewRenderer builds a Renderer.
func NewRenderer(c client.Client, policyMap *bpfmap.CachedMap[types.PolicyKey, types.PolicyAction], networkPolicies reflector.Store[*networkingv1.NetworkPolicy], identities reflector.Store[*v1alpha1.Identity]) *Renderer {
	return &Renderer{
		Client:          c,
		Policy:          policyMap,
		NetworkPolicies: networkPolicies,
		Identities:      identities,
		keysByPolicy:    make(map[policyRef]map[types.PolicyKey]struct{}),
	}
}

func (r *Renderer) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	np, ok := r.NetworkPolicies.Get(req.Namespace, req.Name)
	if !ok {
		return controller.Result{}, nil
	}
	ref := policyRef{Namespace: req.Namespace, Name: req.Name}

	if controller.IsDeleting(np) {
		r.removePolicy(ref)
		if err := controller.RemoveFinalizerAndPersist(ctx, r.Client, np, PolicyCleanupFinalizer); err != nil {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "remove policy finalizer", err)
		}
		return controller.Result{}, nil
	}

	identities := r.Identities.List()
	desired := renderPolicyKeys(np, identities)

	if len(desired) > 0 {
		if _, err := controller.EnsureFinalizer(ctx, r.Client, np, PolicyCleanupFinalizer); err != nil {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "ensure policy finalizer", err)
		}
	}

	for key := range desired {
		if err := r.Policy.Update(key, types.PolicyAllow); err != nil {
			return controller.Result{}, errors.Wrap(errors.KernelMap, "write policy entry", err)
		}
	}

	r.mu.Lock()
	stale := make([]types.PolicyKey, 0)
	for key := range r.keysByPolicy[ref] {
		if _, ok := desired[key]; !ok {
			stale = append(stale, key)
		}
	}
	r.keysByPolicy[ref] = desired
	r.mu.Unlock()

	for _, key := range stale {
		if err := r.Policy.Delete(key); err != nil {
			return controller.Result{}, errors.Wrap(errors.KernelMap, "delete stale policy entry", err)
		}
	}

	log.WithField(logfields.K8sNamespace, req.Namespace).Debugf("rendered %d policy entries for %s", len(desired), req.Name)
	return controller.Result{}, nil
}

func (r *Renderer) removePolicy(ref policyRef) {
	r.mu.Lock()
	keys := r.keysByPolicy[ref]
	delete(r.keysByPolicy, ref)
	r.mu.Unlock()

	for key := range keys {
		_ = r.Policy.Delete(key)
	}
}

// renderPolicyKeys computes every policy table entry np causes to exist,
// against the full universe of currently known identities.
func renderPolicyKeys(np *networkingv1.NetworkPolicy, identities []*v1alpha1.Identity) map[types.PolicyKey]struct{} {
	out := make(map[types.PolicyKey]struct{})

	selected := make([]*v1alpha1.Identity, 0)
	for _, id := range identities {
		if policySelectsIdentity(np, id) {
			selected = append(selected, id)
		}
	}
	if len(selected) == 0 {
		return out
	}

	if policyAffectsType(&np.Spec, PolicyTypeIngress) {
		for _, rule := range np.Spec.Ingress {
			ports := portsOrWildcard(rule.Ports)
			for _, dst := range selected {
				for _, src := range identities {
					if !peersSelectIdentity(rule.From, src) {
						continue
					}
					for _, p := range ports {
						out[types.PolicyKey{SrcID: src.Spec.ID, DstID: dst.Spec.ID, DstPort: p.port, Protocol: p.proto}] = struct{}{}
					}
				}
			}
		}
	}

	if policyAffectsType(&np.Spec, PolicyTypeEgress) {
		for _, rule := range np.Spec.Egress {
			ports := portsOrWildcard(rule.Ports)
			for _, src := range selected {
				for _, dst := range identities {
					if !peersSelectIdentity(rule.To, dst) {
						continue
					}
					for _, p := range ports {
						out[types.PolicyKey{SrcID: src.Spec.ID, DstID: dst.Spec.ID, DstPort: p.port, Protocol: p.proto}] = struct{}{}
					}
				}
			}
		}
	}

	return out
}

type portProto struct {
	port  uint16
	proto types.Protocol
}

// portsOrWildcard implements spec.md §4.7's wildcard rule: a rule with no
// ports becomes a single (any port, any protocol) entry; a port entry with
// no numeric Port becomes (any port, its protocol); named (string) ports
// can't be resolved without the backing Pod's container spec and are
// skipped.
func portsOrWildcard(ports []networkingv1.NetworkPolicyPort) []portProto {
	if len(ports) == 0 {
		return []portProto{{port: 0, proto: types.ProtocolAny}}
	}
	out := make([]portProto, 0, len(ports))
	for _, p := range ports {
		proto := types.ProtocolTCP
		if p.Protocol != nil {
			proto = types.ParseProtocol(string(*p.Protocol))
		}
		if p.Port == nil {
			out = append(out, portProto{port: 0, proto: proto})
			continue
		}
		if p.Port.Type != 0 { // intstr.String
			continue
		}
		out = append(out, portProto{port: uint16(p.Port.IntVal), proto: proto})
	}
	return out
}
