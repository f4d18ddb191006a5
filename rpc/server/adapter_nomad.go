package server

import (
	"fmt"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/ValentinKolb/dNomad/rpc/common"
)

func NewNomadServerAdapter() IRPCServerAdapter {
	return &nomadServerAdapter{}
}

type nomadServerAdapter struct{}

func (adapter *nomadServerAdapter) Handle(req *common.Message, server nomad.INomadServer) (resp *common.Message) {

	// Check for nil server
	if server == nil {
		return common.NewErrorResponse("handler: server is nil")
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTDiscover:
		return common.NewDiscoverResponse(server.Discover())
	case common.MsgTPrepare:
		var msg nomad.PrepareMessage
		if err := req.Decode(&msg); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		resp, err := server.Prepare(msg)
		return common.NewAcceptRejectResponse(req.MsgType, resp, err)
	case common.MsgTCommit:
		var msg nomad.CommitMessage
		if err := req.Decode(&msg); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		resp, err := server.Commit(msg)
		return common.NewAcceptRejectResponse(req.MsgType, resp, err)
	case common.MsgTRollback:
		var msg nomad.RollbackMessage
		if err := req.Decode(&msg); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		resp, err := server.Rollback(msg)
		return common.NewAcceptRejectResponse(req.MsgType, resp, err)
	case common.MsgTTakeover:
		var msg nomad.TakeoverMessage
		if err := req.Decode(&msg); err != nil {
			return common.NewErrorResponse(err.Error())
		}
		resp, err := server.Takeover(msg)
		return common.NewAcceptRejectResponse(req.MsgType, resp, err)
	case common.MsgTReset:
		return common.NewResetResponse(server.Reset())
	default:
		return common.NewErrorResponse(fmt.Sprintf("RPC NomadAdapter - Unsupported message type: %s", req.MsgType))
	}
}
