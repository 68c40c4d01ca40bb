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

// Package logfields defines the canonical set of logrus field names used
// across the agent so that log lines stay greppable regardless of which
// subsystem emitted them.
package logfields

const (
	LogSubsys      = "subsys"
	K8sNamespace   = "k8sNamespace"
	K8sSvcName     = "k8sSvcName"
	K8sPodName     = "k8sPodName"
	K8sNodeName    = "k8sNodeName"
	ClusterName    = "cluster"
	ClusterID      = "clusterID"
	Object         = "object"
	Identity       = "identity"
	SlotID         = "slotID"
	Interface      = "interface"
	ContainerID    = "containerID"
	Controller     = "controller"
	Error          = "error"
	RequeueAfter   = "requeueAfter"
)
