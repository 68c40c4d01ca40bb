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

// Package identity implements the identity engine (spec.md §4.5): Generator
// mints and garbage-collects Identity custom resources from Namespace/Pod
// label tuples, and Programmer writes the resulting ids into the IP->identity
// LPM tables.
package identity

import (
	"context"
	"math/rand"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
	"github.com/mesh-cni/agent/internal/logging/logfields"
	"github.com/mesh-cni/agent/internal/types"
)

var genLog = logging.WithSubsys("identity-generator")

// FieldManager is the stable server-side-apply owner every Identity this
// engine writes is force-applied under, matching the MANAGER constant in
// mesh-cni-identity-gen-controller/src/controller.rs.
const FieldManager = "mesh-cni-identity-gen-controller"

// GeneratorRequeue is the fixed reconcile interval from the original
// controller.rs (Action::requeue(Duration::from_secs(300))).
const GeneratorRequeue = 300 * time.Second

// idAllocator draws random unreserved identity ids, retrying on collision.
// A field rather than a free function so tests can substitute a
// deterministic source.
type idAllocator func(used map[uint32]struct{}) uint32

func defaultAllocator(used map[uint32]struct{}) uint32 {
	for {
		candidate := rand.Uint32()
		if candidate < types.FirstUnreservedID {
			continue
		}
		if _, collide := used[candidate]; !collide {
			return candidate
		}
	}
}

// Generator is the namespace-keyed Reconciler that mints and garbage
// collects Identity resources, per spec.md §4.5 and the reconcile_namespace
// algorithm in original_source's mesh-cni-identity-gen-controller.
type Generator struct {
	Client     client.Client
	Namespaces reflector.Store[*corev1.Namespace]
	Pods       reflector.Store[*corev1.Pod]
	Identities reflector.Store[*v1alpha1.Identity]

	allocate idAllocator
}

var _ controller.Reconciler = (*Generator)(nil)

// Reconcile re-derives the desired Identity set for the namespace named by
// req, applies every desired Identity via force server-side-apply, and
// deletes any Identity in the namespace no longer desired.
func (g *Generator) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	ns, ok := g.Namespaces.Get("", req.Name)
	if !ok {
		return controller.Result{}, nil
	}

	allocate := g.allocate
	if allocate == nil {
		allocate = defaultAllocator
	}

	usedIDs := make(map[uint32]struct{})
	for _, id := range g.Identities.List() {
		usedIDs[id.Spec.ID] = struct{}{}
	}

	desired := make(map[string]*v1alpha1.Identity)
	for _, pod := range g.Pods.List() {
		if pod.Namespace != req.Name {
			continue
		}
		ident, err := g.desiredIdentity(ns, pod, usedIDs, allocate)
		if err != nil {
			return controller.Result{}, err
		}
		usedIDs[ident.Spec.ID] = struct{}{}
		desired[ident.Name] = ident
	}

	for _, ident := range desired {
		applied := ident.DeepCopy()
		applied.ManagedFields = nil
		err := g.Client.Patch(ctx, applied, client.Apply, client.FieldOwner(FieldManager), client.ForceOwnership)
		if err != nil {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "apply identity", err)
		}
	}

	for _, existing := range g.Identities.List() {
		if existing.Namespace != req.Name {
			continue
		}
		if _, ok := desired[existing.Name]; ok {
			continue
		}
		if err := g.Client.Delete(ctx, existing.DeepCopy()); err != nil && !apierrors.IsNotFound(err) {
			return controller.Result{}, errors.Wrap(errors.KubeAPI, "delete orphan identity", err)
		}
		genLog.WithField(logfields.Identity, existing.Name).WithField(logfields.K8sNamespace, req.Name).Info("deleted orphaned identity")
	}

	return controller.Result{RequeueAfter: GeneratorRequeue}, nil
}

// desiredIdentity computes the Identity a pod requires: reusing an existing
// one by content hash if already minted, or allocating a fresh unreserved
// id otherwise.
func (g *Generator) desiredIdentity(ns *corev1.Namespace, pod *corev1.Pod, usedIDs map[uint32]struct{}, allocate idAllocator) (*v1alpha1.Identity, error) {
	labelSet := types.Normalize(ns.Labels, pod.Labels)
	name, err := labelSet.Hash()
	if err != nil {
		return nil, errors.Wrap(errors.Invalid, "hash identity label set", err)
	}

	if existing, ok := g.Identities.Get(ns.Name, name); ok {
		out := existing.DeepCopy()
		out.ManagedFields = nil
		return out, nil
	}

	id := allocate(usedIDs)
	return &v1alpha1.Identity{
		TypeMeta: metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "Identity"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns.Name,
		},
		Spec: v1alpha1.IdentitySpec{
			NamespaceLabels: labelSet.Namespace,
			PodLabels:       labelSet.Pod,
			ID:              id,
		},
	}, nil
}
