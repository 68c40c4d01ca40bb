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

// Package service implements the service engine (spec.md §4.6):
// MeshEndpointMaterializer turns a Service plus its owned EndpointSlices
// into a MeshEndpoint custom resource, and DatapathWriter turns a
// MeshEndpoint (or, absent one, a Service computed the same way) into the
// two-level service/endpoint kernel tables.
package service

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controllerutil"

	"github.com/mesh-cni/agent/api/v1alpha1"
	"github.com/mesh-cni/agent/internal/controller"
	"github.com/mesh-cni/agent/internal/errors"
	"github.com/mesh-cni/agent/internal/k8s/reflector"
	"github.com/mesh-cni/agent/internal/logging"
)

var log = logging.WithSubsys("service")

// ServiceOwnerLabel is the EndpointSlice label the materialiser filters on,
// matching SERVICE_OWNER_LABEL in mesh-cni-crds/src/lib.rs.
const ServiceOwnerLabel = "kubernetes.io/service-name"

// FieldManager is the stable server-side-apply owner every MeshEndpoint
// this engine writes is force-applied under.
const FieldManager = "mesh-cni-service-controller"

// MeshEndpointMaterializer is the Service-keyed Reconciler that derives and
// server-side-applies the MeshEndpoint for a Service, owned by it with
// blockOwnerDeletion=true per spec.md's MeshEndpoint ownership invariant.
type MeshEndpointMaterializer struct {
	Client         client.Client
	Scheme         *runtime.Scheme
	Services       reflector.Store[*corev1.Service]
	EndpointSlices reflector.Store[*discoveryv1.EndpointSlice]
}

var _ controller.Reconciler = (*MeshEndpointMaterializer)(nil)

func (m *MeshEndpointMaterializer) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	svc, ok := m.Services.Get(req.Namespace, req.Name)
	if !ok {
		return controller.Result{}, nil
	}
	if controller.IsDeleting(svc) {
		return controller.Result{}, nil
	}

	slices := endpointSlicesOwnedBy(m.EndpointSlices, svc)
	spec := generateMeshEndpointSpec(svc, slices)

	mep := &v1alpha1.MeshEndpoint{
		TypeMeta:   metav1.TypeMeta{APIVersion: v1alpha1.GroupVersion.String(), Kind: "MeshEndpoint"},
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name, Namespace: svc.Namespace},
		Spec:       spec,
	}
	if err := controllerutil.SetControllerReference(svc, mep, m.Scheme); err != nil {
		return controller.Result{}, errors.Wrap(errors.Invalid, "set mesh endpoint owner reference", err)
	}

	if err := m.Client.Patch(ctx, mep, client.Apply, client.FieldOwner(FieldManager), client.ForceOwnership); err != nil {
		return controller.Result{}, errors.Wrap(errors.KubeAPI, "apply mesh endpoint", err)
	}
	return controller.Result{}, nil
}

// generateMeshEndpointSpec generalizes mesh-cni-crds/src/v1alpha1/meshendpoint.rs's
// generate_mesh_endpoint_spec: every (ready backend address, service port
// matched by name+protocol to an EndpointSlice port) pair becomes one
// BackendPortMapping.
func generateMeshEndpointSpec(svc *corev1.Service, slices []*discoveryv1.EndpointSlice) v1alpha1.MeshEndpointSpec {
	backends := make([]v1alpha1.BackendPortMapping, 0)
	for _, slice := range slices {
		for _, ep := range slice.Endpoints {
			if !endpointReady(ep.Conditions) {
				continue
			}
			for _, addr := range ep.Addresses {
				for _, sp := range svc.Spec.Ports {
					backendPort, ok := backendPortFor(slice, sp)
					if !ok {
						continue
					}
					backends = append(backends, v1alpha1.BackendPortMapping{
						BackendIP:   addr,
						ServicePort: sp.Port,
						BackendPort: backendPort,
						Protocol:    string(protocolOrTCP(sp.Protocol)),
					})
				}
			}
		}
	}
	return v1alpha1.MeshEndpointSpec{ServiceIPs: serviceIPsFrom(svc), Backends: backends}
}

// endpointReady implements spec.md §4.6's readiness predicate: ready != false
// && terminating != true.
func endpointReady(cond discoveryv1.EndpointConditions) bool {
	ready := cond.Ready == nil || *cond.Ready
	terminating := cond.Terminating != nil && *cond.Terminating
	return ready && !terminating
}

func backendPortFor(slice *discoveryv1.EndpointSlice, sp corev1.ServicePort) (int32, bool) {
	for _, p := range slice.Ports {
		name := ""
		if p.Name != nil {
			name = *p.Name
		}
		if name != sp.Name {
			continue
		}
		if protocolOrTCP(derefProtocol(p.Protocol)) != protocolOrTCP(sp.Protocol) {
			continue
		}
		if p.Port == nil {
			continue
		}
		return *p.Port, true
	}
	return 0, false
}

func serviceIPsFrom(svc *corev1.Service) []string {
	if len(svc.Spec.ClusterIPs) > 0 {
		return append([]string(nil), svc.Spec.ClusterIPs...)
	}
	if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
		return []string{svc.Spec.ClusterIP}
	}
	return nil
}

func derefProtocol(p *corev1.Protocol) corev1.Protocol {
	if p == nil {
		return ""
	}
	return *p
}

func protocolOrTCP(p corev1.Protocol) corev1.Protocol {
	if p == "" {
		return corev1.ProtocolTCP
	}
	return p
}

func endpointSlicesOwnedBy(store reflector.Store[*discoveryv1.EndpointSlice], svc *corev1.Service) []*discoveryv1.EndpointSlice {
	out := make([]*discoveryv1.EndpointSlice, 0)
	for _, slice := range store.List() {
		if slice.Namespace != svc.Namespace {
			continue
		}
		if slice.Labels[ServiceOwnerLabel] != svc.Name {
			continue
		}
		out = append(out, slice)
	}
	return out
}
