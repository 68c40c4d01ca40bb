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

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals the request/reply structs in messages.go as JSON
// rather than protobuf wire format. Nothing in this agent needs
// cross-language protobuf compatibility — the only client is the bundled
// CNI plugin binary and operator tooling talking to this same process over
// its local Unix socket — so registering under grpc's default codec name
// ("proto") lets grpc-go's Server/ClientConn machinery run unmodified
// without every call needing an explicit content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "proto"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
