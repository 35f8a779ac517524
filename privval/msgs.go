package privval

import (
	"fmt"

	"github.com/bftlabs/tmcore/privval/pvtypes"
)

// TODO: Add ChainIDRequest

func mustWrapMsg(pb any) pvtypes.Message {
	msg := pvtypes.Message{}

	switch pb := pb.(type) {
	case *pvtypes.Message:
		msg = *pb
	case *pvtypes.PubKeyRequest:
		msg.Sum = &pvtypes.Message_PubKeyRequest{PubKeyRequest: pb}
	case *pvtypes.PubKeyResponse:
		msg.Sum = &pvtypes.Message_PubKeyResponse{PubKeyResponse: pb}
	case *pvtypes.SignVoteRequest:
		msg.Sum = &pvtypes.Message_SignVoteRequest{SignVoteRequest: pb}
	case *pvtypes.SignedVoteResponse:
		msg.Sum = &pvtypes.Message_SignedVoteResponse{SignedVoteResponse: pb}
	case *pvtypes.SignedProposalResponse:
		msg.Sum = &pvtypes.Message_SignedProposalResponse{SignedProposalResponse: pb}
	case *pvtypes.SignProposalRequest:
		msg.Sum = &pvtypes.Message_SignProposalRequest{SignProposalRequest: pb}
	case *pvtypes.SignRawBytesRequest:
		msg.Sum = &pvtypes.Message_SignRawBytesRequest{SignRawBytesRequest: pb}
	case *pvtypes.SignedRawBytesResponse:
		msg.Sum = &pvtypes.Message_SignedRawBytesResponse{SignedRawBytesResponse: pb}
	case *pvtypes.PingRequest:
		msg.Sum = &pvtypes.Message_PingRequest{PingRequest: pb}
	case *pvtypes.PingResponse:
		msg.Sum = &pvtypes.Message_PingResponse{PingResponse: pb}
	default:
		panic(fmt.Errorf("unknown message type %T", pb))
	}

	return msg
}
