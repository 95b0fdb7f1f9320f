package agent

import (
	"context"

	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/sysinfo"
)

// registerSystemHandlers answers the controller's system-info and process
// management requests.
func (a *Agent) registerSystemHandlers() {
	a.Handle(proto.MsgSystemSpecsRequest, func(ctx context.Context, _ *proto.Envelope) (*proto.Envelope, error) {
		specs, err := sysinfo.Specs(ctx)
		if err != nil {
			return nil, err
		}
		return a.NewEnvelope(proto.MsgSystemSpecsResponse).WithPayload(specs)
	})
	a.Handle(proto.MsgProcessListRequest, a.processList)
	a.Handle(proto.MsgProcessKill, func(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
		var k proto.ProcessKill
		if err := env.DecodePayload(&k); err != nil {
			return nil, err
		}
		if err := sysinfo.Kill(ctx, k.PID); err != nil {
			return nil, err
		}
		// the controller refreshes its view from the new list
		return a.processList(ctx, env)
	})
}

func (a *Agent) processList(ctx context.Context, _ *proto.Envelope) (*proto.Envelope, error) {
	list, err := sysinfo.Processes(ctx)
	if err != nil {
		return nil, err
	}
	return a.NewEnvelope(proto.MsgProcessListResponse).WithPayload(list)
}
