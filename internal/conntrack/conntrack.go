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

// Package conntrack holds the per-protocol flow expiry policy applied by
// the datapath lifecycle's garbage collector (see internal/datapath/lifecycle).
package conntrack

import (
	"time"

	"github.com/mesh-cni/agent/internal/types"
)

// Timeout returns how long a flow of the given protocol may go unseen
// before the GC reaps it. TCP connections are long-lived and get a
// generous window; everything else (UDP, SCTP, unknown) is reaped quickly
// since those protocols carry no teardown signal the datapath can observe
// (see DESIGN.md Open Question 2).
func Timeout(protocol types.Protocol) time.Duration {
	if protocol == types.ProtocolTCP {
		return 12 * time.Hour
	}
	return 60 * time.Second
}

// Expired reports whether a flow last seen at lastSeen (nanoseconds since
// an agent-defined epoch) has outlived its protocol's timeout, relative to
// now (same epoch).
func Expired(protocol types.Protocol, lastSeenNS uint64, now time.Time, epoch time.Time) bool {
	lastSeen := epoch.Add(time.Duration(lastSeenNS))
	return now.Sub(lastSeen) > Timeout(protocol)
}
