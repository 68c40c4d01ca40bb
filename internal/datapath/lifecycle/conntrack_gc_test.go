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

package lifecycle

import (
	"testing"
	"time"

	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/types"
)

// fakeConntrackMap is a minimal bpfmap.Map double sufficient for exercising
// sweep without a live kernel map.
type fakeConntrackMap struct {
	data map[types.ConntrackKey]types.ConntrackValue
}

func newFakeConntrackMap() *fakeConntrackMap {
	return &fakeConntrackMap{data: make(map[types.ConntrackKey]types.ConntrackValue)}
}

func (m *fakeConntrackMap) Update(k types.ConntrackKey, v types.ConntrackValue) error {
	m.data[k] = v
	return nil
}
func (m *fakeConntrackMap) Delete(k types.ConntrackKey) error {
	delete(m.data, k)
	return nil
}
func (m *fakeConntrackMap) Get(k types.ConntrackKey) (types.ConntrackValue, bool, error) {
	v, ok := m.data[k]
	return v, ok, nil
}
func (m *fakeConntrackMap) Snapshot() (map[types.ConntrackKey]types.ConntrackValue, error) {
	out := make(map[types.ConntrackKey]types.ConntrackValue, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}
func (m *fakeConntrackMap) Close() error { return nil }

func TestSweepReapsOnlyExpiredFlows(t *testing.T) {
	epoch := time.Unix(0, 0)

	inner := newFakeConntrackMap()
	tcpKey := types.ConntrackKey{Protocol: types.ProtocolTCP, SrcPort: 1, DstPort: 2}
	udpKey := types.ConntrackKey{Protocol: types.ProtocolUDP, SrcPort: 3, DstPort: 4}

	// TCP flow seen just now (last seen at the same instant the sweep runs):
	// nowhere near its 12h timeout.
	inner.data[tcpKey] = types.ConntrackValue{LastSeenNS: uint64(time.Hour.Nanoseconds())}
	// UDP flow seen 2 minutes ago: past its 60s timeout.
	inner.data[udpKey] = types.ConntrackValue{LastSeenNS: uint64((58 * time.Minute).Nanoseconds())}

	m := bpfmap.NewCachedMap[types.ConntrackKey, types.ConntrackValue](inner)
	if err := m.Resync(); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	now := epoch.Add(time.Hour)
	sweep(m, epoch, now)

	if _, ok, _ := m.Get(tcpKey); !ok {
		t.Fatalf("expected the recent TCP flow to survive the sweep")
	}
	if _, ok, _ := m.Get(udpKey); ok {
		t.Fatalf("expected the stale UDP flow to be reaped")
	}
}
