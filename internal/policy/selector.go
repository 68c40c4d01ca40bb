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

// Package policy generalizes the teacher's pkg/policy/api label-selector
// rule matching to operate over core NetworkPolicy objects and Identity
// custom resources rather than CiliumNetworkPolicy and a numeric identity
// cache, rendering the result into (src-id, dst-id, dst-port, proto)
// policy table entries.
package policy

import (
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/mesh-cni/agent/api/v1alpha1"
)

// PolicyType distinguishes the two rule directions a NetworkPolicySpec may
// declare in its policyTypes field.
type PolicyType string

const (
	PolicyTypeIngress PolicyType = "Ingress"
	PolicyTypeEgress  PolicyType = "Egress"
)

// policySelectsIdentity reports whether policy applies to identity: same
// namespace, and the policy's podSelector matches the identity's pod
// labels.
func policySelectsIdentity(policy *networkingv1.NetworkPolicy, identity *v1alpha1.Identity) bool {
	if policy.Namespace == "" || identity.Namespace == "" || policy.Namespace != identity.Namespace {
		return false
	}
	return labelSelectorMatches(&policy.Spec.PodSelector, identity.Spec.PodLabels)
}

// peerSelectsIdentity reports whether a NetworkPolicyPeer matches identity.
// A peer that sets neither namespaceSelector nor podSelector (i.e. is
// ipBlock-only, or empty) never matches an identity-keyed policy: kernel
// CIDR rules are out of scope for this core.
func peerSelectsIdentity(peer networkingv1.NetworkPolicyPeer, identity *v1alpha1.Identity) bool {
	if peer.NamespaceSelector == nil && peer.PodSelector == nil {
		return false
	}
	if peer.NamespaceSelector != nil && !labelSelectorMatches(peer.NamespaceSelector, identity.Spec.NamespaceLabels) {
		return false
	}
	if peer.PodSelector != nil && !labelSelectorMatches(peer.PodSelector, identity.Spec.PodLabels) {
		return false
	}
	return true
}

// peersSelectIdentity implements the k8s convention that an absent or empty
// peer list means "match everything".
func peersSelectIdentity(peers []networkingv1.NetworkPolicyPeer, identity *v1alpha1.Identity) bool {
	if len(peers) == 0 {
		return true
	}
	for _, peer := range peers {
		if peerSelectsIdentity(peer, identity) {
			return true
		}
	}
	return false
}

func labelSelectorMatches(selector *metav1.LabelSelector, set map[string]string) bool {
	sel, err := metav1.LabelSelectorAsSelector(selector)
	if err != nil {
		return false
	}
	return sel.Matches(labels.Set(set))
}

// policyAffectsType implements policyTypes defaulting: when absent,
// Ingress applies iff an ingress rule is present (or no egress rule is, per
// spec.md §4.7's phrasing of the original's default), and Egress applies
// iff an egress rule is present.
func policyAffectsType(spec *networkingv1.NetworkPolicySpec, t PolicyType) bool {
	if len(spec.PolicyTypes) == 0 {
		switch t {
		case PolicyTypeIngress:
			return len(spec.Ingress) > 0 || len(spec.Egress) == 0
		case PolicyTypeEgress:
			return len(spec.Egress) > 0
		}
		return false
	}
	for _, pt := range spec.PolicyTypes {
		if string(pt) == string(t) {
			return true
		}
	}
	return false
}
