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

// Package rpc implements the agent's local control socket (spec.md §6):
// the six-RPC mesh.v1.Agent service, hand-written in the same shape
// protoc-gen-go-grpc would emit (a ServiceDesc of MethodDescs, each
// wrapping a typed handler) but carrying plain Go structs marshalled by
// jsonCodec instead of generated protobuf messages, since nothing here
// needs cross-language wire compatibility.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// AgentServer is the interface AddPod/DeletePod/ListIps/ListServices/
// ListPolicy/GetConntrack must implement, per spec.md §6's RPC table.
type AgentServer interface {
	AddPod(context.Context, *PodRequest) (*PodReply, error)
	DeletePod(context.Context, *PodRequest) (*PodReply, error)
	ListIps(context.Context, *ListIpsRequest) (*ListIpsReply, error)
	ListServices(context.Context, *ListServicesRequest) (*ListServicesReply, error)
	ListPolicy(context.Context, *ListPolicyRequest) (*ListPolicyReply, error)
	GetConntrack(context.Context, *GetConntrackRequest) (*GetConntrackReply, error)
}

// RegisterAgentServer attaches srv's methods to s under the mesh.v1.Agent
// service name.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

func unaryHandler[Req any, Reply any](call func(AgentServer, context.Context, *Req) (*Reply, error), fullMethod string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(AgentServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: "mesh.v1.Agent",
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AddPod",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *PodRequest) (*PodReply, error) {
				return s.AddPod(ctx, r)
			}, "/mesh.v1.Agent/AddPod"),
		},
		{
			MethodName: "DeletePod",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *PodRequest) (*PodReply, error) {
				return s.DeletePod(ctx, r)
			}, "/mesh.v1.Agent/DeletePod"),
		},
		{
			MethodName: "ListIps",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *ListIpsRequest) (*ListIpsReply, error) {
				return s.ListIps(ctx, r)
			}, "/mesh.v1.Agent/ListIps"),
		},
		{
			MethodName: "ListServices",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *ListServicesRequest) (*ListServicesReply, error) {
				return s.ListServices(ctx, r)
			}, "/mesh.v1.Agent/ListServices"),
		},
		{
			MethodName: "ListPolicy",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *ListPolicyRequest) (*ListPolicyReply, error) {
				return s.ListPolicy(ctx, r)
			}, "/mesh.v1.Agent/ListPolicy"),
		},
		{
			MethodName: "GetConntrack",
			Handler: unaryHandler(func(s AgentServer, ctx context.Context, r *GetConntrackRequest) (*GetConntrackReply, error) {
				return s.GetConntrack(ctx, r)
			}, "/mesh.v1.Agent/GetConntrack"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mesh/v1/agent.rpc",
}
