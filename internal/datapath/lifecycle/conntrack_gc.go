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
	"context"
	"time"

	"github.com/mesh-cni/agent/internal/conntrack"
	"github.com/mesh-cni/agent/internal/datapath/bpfmap"
	"github.com/mesh-cni/agent/internal/types"
)

// gcInterval is the conntrack sweep period from spec.md §4.2.
const gcInterval = 300 * time.Second

// ConntrackGC runs a single reader/deleter pass over m every 300s until ctx
// is cancelled, reaping any flow whose last_seen_ns is older than its
// protocol's timeout (internal/conntrack.Timeout). A single task owns this
// loop so it never races the kernel writer, which only ever inserts or
// refreshes entries.
func ConntrackGC(ctx context.Context, m *bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue], epoch time.Time) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("conntrack GC stopping")
			return
		case <-ticker.C:
			sweep(m, epoch, time.Now())
		}
	}
}

func sweep(m *bpfmap.CachedMap[types.ConntrackKey, types.ConntrackValue], epoch, now time.Time) {
	// The kernel inserts and refreshes entries itself, so the in-process
	// cache never sees them: read the kernel map directly.
	snapshot, err := m.Inner().Snapshot()
	if err != nil {
		log.WithError(err).Warn("conntrack GC: snapshot failed")
		return
	}

	var reaped int
	for key, value := range snapshot {
		if !conntrack.Expired(key.Protocol, value.LastSeenNS, now, epoch) {
			continue
		}
		if err := m.Delete(key); err != nil {
			log.WithError(err).WithField("protocol", key.Protocol).Warn("conntrack GC: delete failed")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.WithField("reaped", reaped).Debug("conntrack GC pass complete")
	}
}
