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

// Package v1alpha1 contains the Identity, MeshEndpoint, and Cluster custom
// resource types, the Go counterpart of mesh-cni-crds's v1alpha1 module in
// original_source/.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

// GroupVersion is the API group and version these types belong to.
var GroupVersion = schema.GroupVersion{Group: "mesh-cni.dev", Version: "v1alpha1"}

// SchemeBuilder registers every type in this package with a runtime.Scheme.
var SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

// AddToScheme adds every type in this package to a scheme.
var AddToScheme = SchemeBuilder.AddToScheme

func init() {
	SchemeBuilder.Register(&Identity{}, &IdentityList{})
	SchemeBuilder.Register(&MeshEndpoint{}, &MeshEndpointList{})
	SchemeBuilder.Register(&Cluster{}, &ClusterList{})
}
