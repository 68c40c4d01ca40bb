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

package bpfmap

import (
	"encoding/binary"

	"github.com/mesh-cni/agent/internal/types"
)

// The codecs below lay out each table type's wire format: multi-byte
// integers are fixed-width little-endian in struct order, including the u32
// prefix length an LPM-trie key starts with; addresses are copied as their
// raw network-order bytes.

// IPCacheCodec encodes the IP->Identity LPM-trie table.
type IPCacheCodec struct{}

func (IPCacheCodec) KeySize() int   { return 4 + 1 + 1 + 16 } // prefixlen(u32) + family + prefixlen + addr
func (IPCacheCodec) ValueSize() int { return 4 }

func (IPCacheCodec) EncodeKey(k types.IPCacheKey) []byte {
	b := make([]byte, 22)
	binary.LittleEndian.PutUint32(b[0:4], uint32(k.PrefixLen))
	b[4] = byte(k.Family)
	b[5] = k.PrefixLen
	copy(b[6:22], k.Addr[:])
	return b
}

func (IPCacheCodec) DecodeKey(b []byte) types.IPCacheKey {
	var k types.IPCacheKey
	k.Family = types.Family(b[4])
	k.PrefixLen = b[5]
	copy(k.Addr[:], b[6:22])
	return k
}

func (IPCacheCodec) EncodeValue(v types.IdentityID) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (IPCacheCodec) DecodeValue(b []byte) types.IdentityID {
	return binary.LittleEndian.Uint32(b)
}

// ServiceCodec encodes the service frontend table.
type ServiceCodec struct{}

func (ServiceCodec) KeySize() int   { return 1 + 16 + 2 + 1 }
func (ServiceCodec) ValueSize() int { return 2 + 2 }

func (ServiceCodec) EncodeKey(k types.ServiceKey) []byte {
	b := make([]byte, 20)
	b[0] = byte(k.Family)
	copy(b[1:17], k.Addr[:])
	binary.LittleEndian.PutUint16(b[17:19], k.Port)
	b[19] = byte(k.Protocol)
	return b
}

func (ServiceCodec) DecodeKey(b []byte) types.ServiceKey {
	var k types.ServiceKey
	k.Family = types.Family(b[0])
	copy(k.Addr[:], b[1:17])
	k.Port = binary.LittleEndian.Uint16(b[17:19])
	k.Protocol = types.Protocol(b[19])
	return k
}

func (ServiceCodec) EncodeValue(v types.ServiceValue) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], v.SlotID)
	binary.LittleEndian.PutUint16(b[2:4], v.Count)
	return b
}

func (ServiceCodec) DecodeValue(b []byte) types.ServiceValue {
	return types.ServiceValue{
		SlotID: binary.LittleEndian.Uint16(b[0:2]),
		Count:  binary.LittleEndian.Uint16(b[2:4]),
	}
}

// EndpointCodec encodes the per-slot backend table.
type EndpointCodec struct{}

func (EndpointCodec) KeySize() int   { return 2 + 2 }
func (EndpointCodec) ValueSize() int { return 1 + 16 + 2 + 1 }

func (EndpointCodec) EncodeKey(k types.EndpointKey) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], k.SlotID)
	binary.LittleEndian.PutUint16(b[2:4], k.Position)
	return b
}

func (EndpointCodec) DecodeKey(b []byte) types.EndpointKey {
	return types.EndpointKey{
		SlotID:   binary.LittleEndian.Uint16(b[0:2]),
		Position: binary.LittleEndian.Uint16(b[2:4]),
	}
}

func (EndpointCodec) EncodeValue(v types.EndpointValue) []byte {
	b := make([]byte, 20)
	b[0] = byte(v.Family)
	copy(b[1:17], v.Addr[:])
	binary.LittleEndian.PutUint16(b[17:19], v.Port)
	b[19] = byte(v.Protocol)
	return b
}

func (EndpointCodec) DecodeValue(b []byte) types.EndpointValue {
	var v types.EndpointValue
	v.Family = types.Family(b[0])
	copy(v.Addr[:], b[1:17])
	v.Port = binary.LittleEndian.Uint16(b[17:19])
	v.Protocol = types.Protocol(b[19])
	return v
}

// ConntrackCodec encodes the flow-tracking table.
type ConntrackCodec struct{}

func (ConntrackCodec) KeySize() int   { return 1 + 16 + 16 + 2 + 2 + 1 }
func (ConntrackCodec) ValueSize() int { return 8 }

func (ConntrackCodec) EncodeKey(k types.ConntrackKey) []byte {
	b := make([]byte, 38)
	b[0] = byte(k.Family)
	copy(b[1:17], k.SrcAddr[:])
	copy(b[17:33], k.DstAddr[:])
	binary.LittleEndian.PutUint16(b[33:35], k.SrcPort)
	binary.LittleEndian.PutUint16(b[35:37], k.DstPort)
	b[37] = byte(k.Protocol)
	return b
}

func (ConntrackCodec) DecodeKey(b []byte) types.ConntrackKey {
	var k types.ConntrackKey
	k.Family = types.Family(b[0])
	copy(k.SrcAddr[:], b[1:17])
	copy(k.DstAddr[:], b[17:33])
	k.SrcPort = binary.LittleEndian.Uint16(b[33:35])
	k.DstPort = binary.LittleEndian.Uint16(b[35:37])
	k.Protocol = types.Protocol(b[37])
	return k
}

func (ConntrackCodec) EncodeValue(v types.ConntrackValue) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v.LastSeenNS)
	return b
}

func (ConntrackCodec) DecodeValue(b []byte) types.ConntrackValue {
	return types.ConntrackValue{LastSeenNS: binary.LittleEndian.Uint64(b)}
}

// PolicyCodec encodes the policy decision table. The value is a single byte
// (0 = allow, 1 = deny); PolicyAction already has that ordinal layout.
type PolicyCodec struct{}

func (PolicyCodec) KeySize() int   { return 4 + 4 + 2 + 1 }
func (PolicyCodec) ValueSize() int { return 1 }

func (PolicyCodec) EncodeKey(k types.PolicyKey) []byte {
	b := make([]byte, 11)
	binary.LittleEndian.PutUint32(b[0:4], k.SrcID)
	binary.LittleEndian.PutUint32(b[4:8], k.DstID)
	binary.LittleEndian.PutUint16(b[8:10], k.DstPort)
	b[10] = byte(k.Protocol)
	return b
}

func (PolicyCodec) DecodeKey(b []byte) types.PolicyKey {
	return types.PolicyKey{
		SrcID:    binary.LittleEndian.Uint32(b[0:4]),
		DstID:    binary.LittleEndian.Uint32(b[4:8]),
		DstPort:  binary.LittleEndian.Uint16(b[8:10]),
		Protocol: types.Protocol(b[10]),
	}
}

func (PolicyCodec) EncodeValue(v types.PolicyAction) []byte {
	return []byte{byte(v)}
}

func (PolicyCodec) DecodeValue(b []byte) types.PolicyAction {
	return types.PolicyAction(b[0])
}
