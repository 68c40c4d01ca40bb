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

// Package types holds the datapath-facing data model shared by every
// reconciler: identities, label sets, the IP cache LPM key, and the
// service/endpoint/conntrack/policy table types described by the design's
// data model section. Kept dependency-free so the bpf map layer, the
// reconcilers, and the RPC layer can all import it without cycles.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"sort"
)

// Family distinguishes the IPv4 and IPv6 variants of every dual-stack
// datapath table.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// FamilyOf returns the Family of ip, or false if ip is neither a valid v4
// nor v6 address.
func FamilyOf(ip net.IP) (Family, bool) {
	if ip == nil {
		return 0, false
	}
	if ip.To4() != nil {
		return FamilyV4, true
	}
	if ip.To16() != nil {
		return FamilyV6, true
	}
	return 0, false
}

// Protocol is the L4 protocol carried by a service, endpoint, conntrack, or
// policy entry. 0 means "any" in a policy key.
type Protocol uint8

const (
	ProtocolAny  Protocol = 0
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
	ProtocolSCTP Protocol = 132
)

// ParseProtocol maps a Kubernetes protocol string ("TCP", "UDP", "SCTP") to
// the wire Protocol value, defaulting to TCP for an empty or unrecognised
// string as Kubernetes itself does for v1.Protocol.
func ParseProtocol(s string) Protocol {
	switch s {
	case "UDP", "udp":
		return ProtocolUDP
	case "SCTP", "sctp":
		return ProtocolSCTP
	case "TCP", "tcp", "":
		return ProtocolTCP
	default:
		return ProtocolTCP
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolSCTP:
		return "SCTP"
	case ProtocolAny:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// Reserved identity ids. Values below 128 are reserved for cluster-scoped
// identities; LOCAL_NODE_ID and REMOTE_NODE_ID are carved out of that
// reserved band (see SPEC_FULL.md §4 / DESIGN.md Open Question 1).
const (
	ReservedIdentityMax = 128
	LocalNodeID         = 10
	RemoteNodeID        = 11
	FirstUnreservedID   = 128
)

// IdentityID is the 32-bit tag assigned to a label tuple.
type IdentityID = uint32

// LabelSet holds the three disjoint label domains an Identity is derived
// from: namespace labels, pod labels, and system labels added by the agent
// itself (e.g. reserved identities). Kept as separate maps so
// selector evaluation can address each domain independently.
type LabelSet struct {
	Namespace map[string]string `json:"namespaceLabels"`
	Pod       map[string]string `json:"podLabels"`
	System    map[string]string `json:"systemLabels,omitempty"`
}

// ephemeralPodLabels are stripped before hashing so that rollouts (which
// bump these labels) do not mint a new identity for otherwise-identical
// pods.
var ephemeralPodLabels = []string{
	"controller-revision-hash",
	"pod-template-hash",
	"pod-template-generation",
}

// Normalize returns a copy of labels with ephemeral pod labels removed, for
// both input maps; nil maps normalize to empty, non-nil maps.
func Normalize(namespaceLabels, podLabels map[string]string) LabelSet {
	ns := cloneLabels(namespaceLabels)
	pod := cloneLabels(podLabels)
	for _, k := range ephemeralPodLabels {
		delete(pod, k)
	}
	return LabelSet{Namespace: ns, Pod: pod}
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CanonicalJSON serializes the label set deterministically (Go's
// encoding/json already emits map keys in sorted order) for use as the
// identity hash input.
func (l LabelSet) CanonicalJSON() ([]byte, error) {
	type canonical struct {
		NamespaceLabels map[string]string `json:"namespaceLabels"`
		PodLabels       map[string]string `json:"podLabels"`
		ID              uint32            `json:"id"`
	}
	c := canonical{
		NamespaceLabels: l.Namespace,
		PodLabels:       l.Pod,
		ID:              0,
	}
	if c.NamespaceLabels == nil {
		c.NamespaceLabels = map[string]string{}
	}
	if c.PodLabels == nil {
		c.PodLabels = map[string]string{}
	}
	return json.Marshal(c)
}

// Hash returns the identity name an Identity custom resource for this label
// set must carry: the lowercase hex SHA-256 digest of CanonicalJSON. Using a
// content hash as the resource name makes re-applying the same label tuple
// idempotent without a lookup, per mesh-cni-identity-gen-controller's
// get_or_generate_identity in original_source/.
func (l LabelSet) Hash() (string, error) {
	data, err := l.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether l and other carry the same namespace and pod
// labels, the comparison Identity matching is built on.
func (l LabelSet) Equal(other LabelSet) bool {
	return stringMapsEqual(l.Namespace, other.Namespace) && stringMapsEqual(l.Pod, other.Pod)
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// IPCacheKey is the longest-prefix-match key for the IP->Identity table.
type IPCacheKey struct {
	Family    Family
	PrefixLen uint8
	Addr      [16]byte // big-endian network order, only first 4 bytes used for FamilyV4
}

// NewIPCacheKey builds the LPM key for ip, using a /32 or /128 host prefix.
func NewIPCacheKey(ip net.IP) (IPCacheKey, bool) {
	family, ok := FamilyOf(ip)
	if !ok {
		return IPCacheKey{}, false
	}
	var key IPCacheKey
	key.Family = family
	if family == FamilyV4 {
		v4 := ip.To4()
		copy(key.Addr[:4], v4)
		key.PrefixLen = 32
	} else {
		v6 := ip.To16()
		copy(key.Addr[:], v6)
		key.PrefixLen = 128
	}
	return key, true
}

// FirstSlotID is the first slot-id handed out by the service engine's
// monotonic allocator (spec.md §3: "slot-ids are drawn from a monotonic
// counter starting at 128").
const FirstSlotID uint16 = 128

// ServiceKey identifies a service frontend: (clusterIP, port, protocol).
type ServiceKey struct {
	Family   Family
	Addr     [16]byte
	Port     uint16
	Protocol Protocol
}

// ServiceValue is the slot header for a ServiceKey: which slot its backends
// live at, and how many.
type ServiceValue struct {
	SlotID uint16
	Count  uint16
}

// EndpointKey addresses a single backend within a service's slot.
type EndpointKey struct {
	SlotID   uint16
	Position uint16
}

// EndpointValue is a single backend address.
type EndpointValue struct {
	Family   Family
	Addr     [16]byte
	Port     uint16
	Protocol Protocol
}

// ConntrackKey identifies a tracked flow.
type ConntrackKey struct {
	Family   Family
	SrcAddr  [16]byte
	DstAddr  [16]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

// ConntrackValue stores the last time (in nanoseconds since an
// agent-defined epoch) the flow was observed.
type ConntrackValue struct {
	LastSeenNS uint64
}

// PolicyAction is the decision rendered into a policy entry.
type PolicyAction uint8

const (
	PolicyAllow PolicyAction = iota
	PolicyDeny
)

func (a PolicyAction) String() string {
	if a == PolicyDeny {
		return "deny"
	}
	return "allow"
}

// PolicyKey identifies a single rendered policy entry. DstPort 0 means
// "any port"; Protocol 0 (ProtocolAny) means "any protocol".
type PolicyKey struct {
	SrcID    IdentityID
	DstID    IdentityID
	DstPort  uint16
	Protocol Protocol
}

// AddrFromNetIP copies a net.IP into the 16-byte wire representation used
// by the table keys above, returning the detected family.
func AddrFromNetIP(ip net.IP) (Family, [16]byte) {
	var out [16]byte
	family, ok := FamilyOf(ip)
	if !ok {
		return FamilyV4, out
	}
	if family == FamilyV4 {
		copy(out[:4], ip.To4())
	} else {
		copy(out[:], ip.To16())
	}
	return family, out
}

// NetIPFromAddr is the inverse of AddrFromNetIP.
func NetIPFromAddr(family Family, addr [16]byte) net.IP {
	if family == FamilyV4 {
		return net.IP(addr[:4])
	}
	out := make(net.IP, 16)
	copy(out, addr[:])
	return out
}

// ClusterSpec describes a cluster the agent should watch for Services and
// EndpointSlices (or, for the local cluster, everything).
type ClusterSpec struct {
	ID                 uint32 `json:"id"`
	Name               string `json:"name"`
	KubeconfigContext  string `json:"kubeconfigContext,omitempty"`
	APIEndpoint        string `json:"apiEndpoint,omitempty"`
	KubeconfigConfigMap string `json:"kubeconfigConfigMap,omitempty"`
}

// ClustersConfig is the top-level shape of the mesh_clusters_config YAML
// file: one local cluster plus zero or more remotes.
type ClustersConfig struct {
	Local  ClusterSpec   `json:"local" yaml:"local"`
	Remote []ClusterSpec `json:"remote" yaml:"remote"`
}

// SortedKeys returns the keys of a string map in sorted order, used
// anywhere a deterministic iteration order over labels is required (e.g.
// selector debug logging).
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
