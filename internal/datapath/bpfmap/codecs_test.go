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
	"net"
	"testing"

	"github.com/mesh-cni/agent/internal/types"
)

func TestIPCacheCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ip   string
	}{
		{"v4 host", "10.0.0.5"},
		{"v6 host", "fd00::5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := types.NewIPCacheKey(net.ParseIP(tt.ip))
			if !ok {
				t.Fatalf("NewIPCacheKey(%s) returned ok=false", tt.ip)
			}
			var c IPCacheCodec
			encoded := c.EncodeKey(key)
			if len(encoded) != c.KeySize() {
				t.Fatalf("EncodeKey length = %d, want %d", len(encoded), c.KeySize())
			}
			decoded := c.DecodeKey(encoded)
			if decoded != key {
				t.Fatalf("DecodeKey(EncodeKey(%+v)) = %+v", key, decoded)
			}

			valEncoded := c.EncodeValue(1234)
			if got := c.DecodeValue(valEncoded); got != 1234 {
				t.Fatalf("value round trip = %d, want 1234", got)
			}
		})
	}
}

func TestServiceAndEndpointCodecRoundTrip(t *testing.T) {
	family, addr := types.AddrFromNetIP(net.ParseIP("10.96.0.1"))
	svcKey := types.ServiceKey{Family: family, Addr: addr, Port: 443, Protocol: types.ProtocolTCP}
	var sc ServiceCodec
	if got := sc.DecodeKey(sc.EncodeKey(svcKey)); got != svcKey {
		t.Fatalf("ServiceKey round trip = %+v, want %+v", got, svcKey)
	}

	svcVal := types.ServiceValue{SlotID: 128, Count: 3}
	var ec EndpointCodec
	epKey := types.EndpointKey{SlotID: svcVal.SlotID, Position: 0}
	if got := ec.DecodeKey(ec.EncodeKey(epKey)); got != epKey {
		t.Fatalf("EndpointKey round trip = %+v, want %+v", got, epKey)
	}

	epFamily, epAddr := types.AddrFromNetIP(net.ParseIP("10.244.1.7"))
	epVal := types.EndpointValue{Family: epFamily, Addr: epAddr, Port: 8443, Protocol: types.ProtocolTCP}
	if got := ec.DecodeValue(ec.EncodeValue(epVal)); got != epVal {
		t.Fatalf("EndpointValue round trip = %+v, want %+v", got, epVal)
	}
}

func TestConntrackCodecRoundTrip(t *testing.T) {
	_, src := types.AddrFromNetIP(net.ParseIP("10.244.1.7"))
	_, dst := types.AddrFromNetIP(net.ParseIP("10.96.0.1"))
	key := types.ConntrackKey{
		Family:   types.FamilyV4,
		SrcAddr:  src,
		DstAddr:  dst,
		SrcPort:  55432,
		DstPort:  443,
		Protocol: types.ProtocolTCP,
	}
	var cc ConntrackCodec
	if got := cc.DecodeKey(cc.EncodeKey(key)); got != key {
		t.Fatalf("ConntrackKey round trip = %+v, want %+v", got, key)
	}

	val := types.ConntrackValue{LastSeenNS: 1234567890}
	if got := cc.DecodeValue(cc.EncodeValue(val)); got != val {
		t.Fatalf("ConntrackValue round trip = %+v, want %+v", got, val)
	}
}

func TestPolicyCodecRoundTrip(t *testing.T) {
	key := types.PolicyKey{SrcID: 1001, DstID: 1002, DstPort: 8080, Protocol: types.ProtocolTCP}
	var pc PolicyCodec
	if got := pc.DecodeKey(pc.EncodeKey(key)); got != key {
		t.Fatalf("PolicyKey round trip = %+v, want %+v", got, key)
	}

	for _, action := range []types.PolicyAction{types.PolicyAllow, types.PolicyDeny} {
		if got := pc.DecodeValue(pc.EncodeValue(action)); got != action {
			t.Fatalf("PolicyAction round trip = %v, want %v", got, action)
		}
	}
}

// TestPolicyCodecWildcard asserts the documented "any port/any protocol" wildcard
// encoding used by policy rendering: DstPort 0 and Protocol 0 survive the
// codec unchanged, since the classifier program treats zero as "match all".
func TestPolicyCodecWildcard(t *testing.T) {
	key := types.PolicyKey{SrcID: 5, DstID: 6, DstPort: 0, Protocol: types.ProtocolAny}
	var pc PolicyCodec
	got := pc.DecodeKey(pc.EncodeKey(key))
	if got.DstPort != 0 || got.Protocol != types.ProtocolAny {
		t.Fatalf("wildcard PolicyKey round trip = %+v, want DstPort=0 Protocol=Any", got)
	}
}
