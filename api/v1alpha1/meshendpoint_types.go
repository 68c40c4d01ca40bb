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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// BackendPortMapping is one (backend-ip, service-port, backend-port,
// protocol) tuple within a MeshEndpoint, per spec.md §4.6.
type BackendPortMapping struct {
	BackendIP   string `json:"backendIP"`
	ServicePort int32  `json:"servicePort"`
	BackendPort int32  `json:"backendPort"`
	Protocol    string `json:"protocol"`
}

// MeshEndpointSpec aggregates a Service's cross-cluster backends, as
// generalized from mesh-cni-crds/src/v1alpha1/meshendpoint.rs's
// generate_mesh_endpoint_spec.
type MeshEndpointSpec struct {
	ServiceIPs []string              `json:"serviceIPs"`
	Backends   []BackendPortMapping  `json:"backends"`
}

// +kubebuilder:object:root=true

// MeshEndpoint is a namespaced custom resource, owned by its source Service
// (blockOwnerDeletion=true), that the datapath service engine consumes to
// program the service/endpoint kernel tables.
type MeshEndpoint struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec MeshEndpointSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// MeshEndpointList is a list of MeshEndpoint resources.
type MeshEndpointList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []MeshEndpoint `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (in *MeshEndpoint) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

// DeepCopy returns a deep copy of in.
func (in *MeshEndpoint) DeepCopy() *MeshEndpoint {
	if in == nil {
		return nil
	}
	out := new(MeshEndpoint)
	*out = *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	if in.Spec.ServiceIPs != nil {
		out.Spec.ServiceIPs = append([]string(nil), in.Spec.ServiceIPs...)
	}
	if in.Spec.Backends != nil {
		out.Spec.Backends = append([]BackendPortMapping(nil), in.Spec.Backends...)
	}
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *MeshEndpointList) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

// DeepCopy returns a deep copy of in.
func (in *MeshEndpointList) DeepCopy() *MeshEndpointList {
	if in == nil {
		return nil
	}
	out := new(MeshEndpointList)
	out.TypeMeta = in.TypeMeta
	out.ListMeta = *in.ListMeta.DeepCopy()
	if in.Items != nil {
		out.Items = make([]MeshEndpoint, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopy()
		}
	}
	return out
}
