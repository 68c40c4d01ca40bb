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

package rpc

// PodRequest is the shared request shape for AddPod and DeletePod, per
// spec.md §6's RPC table.
type PodRequest struct {
	Iface        string `json:"iface"`
	NetNamespace string `json:"netNamespace,omitempty"`
	ContainerID  string `json:"containerId"`
	Chained      bool   `json:"chained"`
}

// PodReply acknowledges an AddPod/DeletePod call with a success flag only;
// it carries no interfaces, IPs, routes or DNS settings for either call.
type PodReply struct {
	OK bool `json:"ok"`
}

// IPEntry is one row of ListIps's reply.
type IPEntry struct {
	IP     string            `json:"ip"`
	ID     uint32            `json:"id"`
	Labels map[string]string `json:"labels"`
}

type ListIpsRequest struct{}

type ListIpsReply struct {
	Entries []IPEntry `json:"entries"`
}

// ListServicesRequest's FromMap selects reading straight from the kernel
// map's Snapshot rather than the cached copy, per spec.md §6.
type ListServicesRequest struct {
	FromMap bool `json:"fromMap"`
}

// ServiceEntry is one row of ListServices's reply: a service frontend, its
// protocol, and its current backend set.
type ServiceEntry struct {
	ServiceEndpoint string   `json:"serviceEndpoint"`
	Protocol        string   `json:"protocol"`
	Endpoints       []string `json:"endpoints"`
}

type ListServicesReply struct {
	Entries []ServiceEntry `json:"entries"`
}

type ListPolicyRequest struct{}

// PolicyEntry is one row of ListPolicy's reply.
type PolicyEntry struct {
	SrcID   uint32 `json:"srcId"`
	DstID   uint32 `json:"dstId"`
	DstPort uint16 `json:"dstPort"`
	Proto   string `json:"proto"`
	Action  string `json:"action"`
}

type ListPolicyReply struct {
	Entries []PolicyEntry `json:"entries"`
}

type GetConntrackRequest struct{}

// ConntrackEntry is one row of GetConntrack's reply.
type ConntrackEntry struct {
	SrcIP   string `json:"srcIp"`
	SrcPort uint16 `json:"srcPort"`
	DstIP   string `json:"dstIp"`
	DstPort uint16 `json:"dstPort"`
	Proto   string `json:"proto"`
}

type GetConntrackReply struct {
	Entries []ConntrackEntry `json:"entries"`
}
