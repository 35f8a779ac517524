package privval

import (
	"fmt"

	"github.com/bftlabs/tmcore/crypto"
	cryptoenc "github.com/bftlabs/tmcore/crypto/encoding"
	cryptotmproto "github.com/bftlabs/tmcore/crypto/tmproto"
	"github.com/bftlabs/tmcore/privval/pvtypes"
	"github.com/bftlabs/tmcore/types"
	"github.com/bftlabs/tmcore/types/tmproto"
)

func DefaultValidationRequestHandler(
	privVal types.PrivValidator,
	req pvtypes.Message,
	chainID string,
) (pvtypes.Message, error) {
	var (
		res pvtypes.Message
		err error
	)

	switch r := req.Sum.(type) {
	case *pvtypes.Message_PubKeyRequest:
		if r.PubKeyRequest.GetChainId() != chainID {
			res = mustWrapMsg(&pvtypes.PubKeyResponse{
				PubKey: cryptotmproto.PublicKey{}, Error: &pvtypes.RemoteSignerError{
					Code: 0, Description: "unable to provide pubkey",
				},
			})
			return res, fmt.Errorf("want chainID: %s, got chainID: %s", r.PubKeyRequest.GetChainId(), chainID)
		}

		var pubKey crypto.PubKey
		pubKey, err = privVal.GetPubKey()
		if err != nil {
			return res, err
		}
		pk, err := cryptoenc.PubKeyToProto(pubKey)
		if err != nil {
			return res, err
		}

		res = mustWrapMsg(&pvtypes.PubKeyResponse{PubKey: pk, Error: nil})

	case *pvtypes.Message_SignVoteRequest:
		if r.SignVoteRequest.GetChainId() != chainID {
			res = mustWrapMsg(&pvtypes.SignedVoteResponse{
				Vote: tmproto.Vote{}, Error: &pvtypes.RemoteSignerError{
					Code: 0, Description: "unable to sign vote",
				},
			})
			return res, fmt.Errorf("want chainID: %s, got chainID: %s", r.SignVoteRequest.GetChainId(), chainID)
		}

		vote := r.SignVoteRequest.Vote

		err = privVal.SignVote(chainID, vote)
		if err != nil {
			res = mustWrapMsg(&pvtypes.SignedVoteResponse{
				Vote: tmproto.Vote{}, Error: &pvtypes.RemoteSignerError{Code: 0, Description: err.Error()},
			})
		} else {
			res = mustWrapMsg(&pvtypes.SignedVoteResponse{Vote: *vote, Error: nil})
		}

	case *pvtypes.Message_SignProposalRequest:
		if r.SignProposalRequest.GetChainId() != chainID {
			res = mustWrapMsg(&pvtypes.SignedProposalResponse{
				Proposal: tmproto.Proposal{}, Error: &pvtypes.RemoteSignerError{
					Code:        0,
					Description: "unable to sign proposal",
				},
			})
			return res, fmt.Errorf("want chainID: %s, got chainID: %s", r.SignProposalRequest.GetChainId(), chainID)
		}

		proposal := r.SignProposalRequest.Proposal

		err = privVal.SignProposal(chainID, proposal)
		if err != nil {
			res = mustWrapMsg(&pvtypes.SignedProposalResponse{
				Proposal: tmproto.Proposal{}, Error: &pvtypes.RemoteSignerError{Code: 0, Description: err.Error()},
			})
		} else {
			res = mustWrapMsg(&pvtypes.SignedProposalResponse{Proposal: *proposal, Error: nil})
		}

	case *pvtypes.Message_SignRawBytesRequest:
		r2 := r.SignRawBytesRequest
		if r2.ChainId != chainID {
			res = mustWrapMsg(&pvtypes.SignedRawBytesResponse{
				Error: &pvtypes.RemoteSignerError{Code: 0, Description: "unable to sign raw bytes"},
			})
			return res, fmt.Errorf("want chainID: %s, got chainID: %s", r2.ChainId, chainID)
		}

		sig, signErr := privVal.SignRawBytes(chainID, r2.UniqueId, r2.RawBytes)
		if signErr != nil {
			res = mustWrapMsg(&pvtypes.SignedRawBytesResponse{
				Error: &pvtypes.RemoteSignerError{Code: 0, Description: signErr.Error()},
			})
		} else {
			res = mustWrapMsg(&pvtypes.SignedRawBytesResponse{Signature: sig, Error: nil})
		}

	case *pvtypes.Message_PingRequest:
		err, res = nil, mustWrapMsg(&pvtypes.PingResponse{})

	default:
		err = fmt.Errorf("unknown msg: %v", r)
	}

	return res, err
}
