// Package pvtypes holds the wire messages exchanged between a validator and
// a remote signing process, mirroring the abci wire package: a Message wraps
// exactly one concrete request or response in Sum, encoded with the module's
// gob-based wire codec instead of generated protobuf.
package pvtypes

import (
	"encoding/gob"

	cryptotmproto "github.com/bftlabs/tmcore/crypto/tmproto"
	"github.com/bftlabs/tmcore/libs/wire"
	"github.com/bftlabs/tmcore/types/tmproto"
)

// RemoteSignerError describes why a remote signer could not fulfill a
// request.
type RemoteSignerError struct {
	Code        int32
	Description string
}

// PubKeyRequest asks the remote signer for its public key.
type PubKeyRequest struct {
	ChainId string
}

func (r *PubKeyRequest) GetChainId() string {
	if r == nil {
		return ""
	}
	return r.ChainId
}

// PubKeyResponse carries the remote signer's public key, or an error.
type PubKeyResponse struct {
	PubKey cryptotmproto.PublicKey
	Error  *RemoteSignerError
}

// SignVoteRequest asks the remote signer to sign a vote.
type SignVoteRequest struct {
	ChainId string
	Vote    *tmproto.Vote
}

func (r *SignVoteRequest) GetChainId() string {
	if r == nil {
		return ""
	}
	return r.ChainId
}

// SignedVoteResponse carries the signed vote, or an error.
type SignedVoteResponse struct {
	Vote  tmproto.Vote
	Error *RemoteSignerError
}

// SignProposalRequest asks the remote signer to sign a proposal.
type SignProposalRequest struct {
	ChainId  string
	Proposal *tmproto.Proposal
}

func (r *SignProposalRequest) GetChainId() string {
	if r == nil {
		return ""
	}
	return r.ChainId
}

// SignedProposalResponse carries the signed proposal, or an error.
type SignedProposalResponse struct {
	Proposal tmproto.Proposal
	Error    *RemoteSignerError
}

// SignRawBytesRequest asks the remote signer to sign an arbitrary payload,
// used outside the consensus vote/proposal paths.
type SignRawBytesRequest struct {
	ChainId  string
	UniqueId string
	RawBytes []byte
}

// Marshal encodes the request with the module's wire codec, matching the
// self-marshaling convention of the domain wire types.
func (r *SignRawBytesRequest) Marshal() ([]byte, error) { return wire.Marshal(r) }

// Unmarshal decodes bz into r.
func (r *SignRawBytesRequest) Unmarshal(bz []byte) error { return wire.Unmarshal(bz, r) }

// SignedRawBytesResponse carries the signature over the raw payload, or an
// error.
type SignedRawBytesResponse struct {
	Signature []byte
	Error     *RemoteSignerError
}

// PingRequest is a liveness probe sent to the remote signer.
type PingRequest struct{}

// PingResponse acknowledges a PingRequest.
type PingResponse struct{}

// Message wraps exactly one of the request/response types above in Sum,
// mirroring the discriminated union a gogoproto oneof would generate.
type Message struct {
	Sum any
}

type (
	Message_PubKeyRequest         struct{ PubKeyRequest *PubKeyRequest }
	Message_PubKeyResponse        struct{ PubKeyResponse *PubKeyResponse }
	Message_SignVoteRequest       struct{ SignVoteRequest *SignVoteRequest }
	Message_SignedVoteResponse    struct{ SignedVoteResponse *SignedVoteResponse }
	Message_SignProposalRequest   struct{ SignProposalRequest *SignProposalRequest }
	Message_SignedProposalResponse struct {
		SignedProposalResponse *SignedProposalResponse
	}
	Message_SignRawBytesRequest struct{ SignRawBytesRequest *SignRawBytesRequest }
	Message_SignedRawBytesResponse struct {
		SignedRawBytesResponse *SignedRawBytesResponse
	}
	Message_PingRequest  struct{ PingRequest *PingRequest }
	Message_PingResponse struct{ PingResponse *PingResponse }
)

// gob requires every concrete type carried in Message.Sum to be registered
// before it can appear on the wire.
func init() {
	gob.Register(&Message_PubKeyRequest{})
	gob.Register(&Message_PubKeyResponse{})
	gob.Register(&Message_SignVoteRequest{})
	gob.Register(&Message_SignedVoteResponse{})
	gob.Register(&Message_SignProposalRequest{})
	gob.Register(&Message_SignedProposalResponse{})
	gob.Register(&Message_SignRawBytesRequest{})
	gob.Register(&Message_SignedRawBytesResponse{})
	gob.Register(&Message_PingRequest{})
	gob.Register(&Message_PingResponse{})
}

func (m *Message) GetPubKeyRequest() *PubKeyRequest {
	if v, ok := m.Sum.(*Message_PubKeyRequest); ok {
		return v.PubKeyRequest
	}
	return nil
}

func (m *Message) GetSignVoteRequest() *SignVoteRequest {
	if v, ok := m.Sum.(*Message_SignVoteRequest); ok {
		return v.SignVoteRequest
	}
	return nil
}

func (m *Message) GetSignProposalRequest() *SignProposalRequest {
	if v, ok := m.Sum.(*Message_SignProposalRequest); ok {
		return v.SignProposalRequest
	}
	return nil
}

func (m *Message) GetSignRawBytesRequest() *SignRawBytesRequest {
	if v, ok := m.Sum.(*Message_SignRawBytesRequest); ok {
		return v.SignRawBytesRequest
	}
	return nil
}

func (m *Message) GetPingRequest() *PingRequest {
	if v, ok := m.Sum.(*Message_PingRequest); ok {
		return v.PingRequest
	}
	return nil
}
