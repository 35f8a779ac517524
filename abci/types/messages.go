package types

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/bftlabs/tmcore/libs/wire"
)

const (
	maxMsgSize = 104857600 // 100MB
)

// gob requires every concrete type carried in an interface field to be
// registered before it can appear on the wire, since Request.Value and
// Response.Value are typed any.
func init() {
	gob.Register(&Request_Echo{})
	gob.Register(&Request_Flush{})
	gob.Register(&Request_Info{})
	gob.Register(&Request_InitChain{})
	gob.Register(&Request_Query{})
	gob.Register(&Request_CheckTx{})
	gob.Register(&Request_Commit{})
	gob.Register(&Request_ListSnapshots{})
	gob.Register(&Request_OfferSnapshot{})
	gob.Register(&Request_LoadSnapshotChunk{})
	gob.Register(&Request_ApplySnapshotChunk{})
	gob.Register(&Request_PrepareProposal{})
	gob.Register(&Request_ProcessProposal{})
	gob.Register(&Request_ExtendVote{})
	gob.Register(&Request_VerifyVoteExtension{})
	gob.Register(&Request_FinalizeBlock{})

	gob.Register(&Response_Exception{})
	gob.Register(&Response_Echo{})
	gob.Register(&Response_Flush{})
	gob.Register(&Response_Info{})
	gob.Register(&Response_InitChain{})
	gob.Register(&Response_Query{})
	gob.Register(&Response_CheckTx{})
	gob.Register(&Response_Commit{})
	gob.Register(&Response_ListSnapshots{})
	gob.Register(&Response_OfferSnapshot{})
	gob.Register(&Response_LoadSnapshotChunk{})
	gob.Register(&Response_ApplySnapshotChunk{})
	gob.Register(&Response_PrepareProposal{})
	gob.Register(&Response_ProcessProposal{})
	gob.Register(&Response_ExtendVote{})
	gob.Register(&Response_VerifyVoteExtension{})
	gob.Register(&Response_FinalizeBlock{})
}

// WriteMessage writes a length-delimited, wire-encoded ABCI message.
func WriteMessage(msg wire.Message, w io.Writer) error {
	bz, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(bz)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err = w.Write(bz)
	return err
}

// ReadMessage reads a length-delimited, wire-encoded ABCI message.
func ReadMessage(r io.Reader, msg wire.Message) error {
	length, err := binary.ReadUvarint(newByteReader(r))
	if err != nil {
		return err
	}
	if length > maxMsgSize {
		return fmt.Errorf("message exceeds max size (%d > %d)", length, maxMsgSize)
	}
	bz := make([]byte, length)
	if _, err := io.ReadFull(r, bz); err != nil {
		return err
	}
	return wire.Unmarshal(bz, msg)
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader {
	return &byteReader{r: r}
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.buf[:]); err != nil {
		return 0, err
	}
	return br.buf[0], nil
}

//----------------------------------------

func ToRequestEcho(message string) *Request {
	return &Request{Value: &Request_Echo{Echo: &EchoRequest{Message: message}}}
}

func ToRequestFlush() *Request {
	return &Request{Value: &Request_Flush{Flush: &FlushRequest{}}}
}

func ToRequestInfo(req *InfoRequest) *Request {
	return &Request{Value: &Request_Info{Info: req}}
}

func ToRequestCheckTx(req *CheckTxRequest) *Request {
	return &Request{Value: &Request_CheckTx{CheckTx: req}}
}

func ToRequestCommit() *Request {
	return &Request{Value: &Request_Commit{Commit: &CommitRequest{}}}
}

func ToRequestQuery(req *QueryRequest) *Request {
	return &Request{Value: &Request_Query{Query: req}}
}

func ToRequestInitChain(req *InitChainRequest) *Request {
	return &Request{Value: &Request_InitChain{InitChain: req}}
}

func ToRequestListSnapshots(req *ListSnapshotsRequest) *Request {
	return &Request{Value: &Request_ListSnapshots{ListSnapshots: req}}
}

func ToRequestOfferSnapshot(req *OfferSnapshotRequest) *Request {
	return &Request{Value: &Request_OfferSnapshot{OfferSnapshot: req}}
}

func ToRequestLoadSnapshotChunk(req *LoadSnapshotChunkRequest) *Request {
	return &Request{Value: &Request_LoadSnapshotChunk{LoadSnapshotChunk: req}}
}

func ToRequestApplySnapshotChunk(req *ApplySnapshotChunkRequest) *Request {
	return &Request{Value: &Request_ApplySnapshotChunk{ApplySnapshotChunk: req}}
}

func ToRequestPrepareProposal(req *PrepareProposalRequest) *Request {
	return &Request{Value: &Request_PrepareProposal{PrepareProposal: req}}
}

func ToRequestProcessProposal(req *ProcessProposalRequest) *Request {
	return &Request{Value: &Request_ProcessProposal{ProcessProposal: req}}
}

func ToRequestExtendVote(req *ExtendVoteRequest) *Request {
	return &Request{Value: &Request_ExtendVote{ExtendVote: req}}
}

func ToRequestVerifyVoteExtension(req *VerifyVoteExtensionRequest) *Request {
	return &Request{Value: &Request_VerifyVoteExtension{VerifyVoteExtension: req}}
}

func ToRequestFinalizeBlock(req *FinalizeBlockRequest) *Request {
	return &Request{Value: &Request_FinalizeBlock{FinalizeBlock: req}}
}

//----------------------------------------

func ToResponseException(errStr string) *Response {
	return &Response{Value: &Response_Exception{Exception: &ExceptionResponse{Error: errStr}}}
}

func ToResponseEcho(message string) *Response {
	return &Response{Value: &Response_Echo{Echo: &EchoResponse{Message: message}}}
}

func ToResponseFlush() *Response {
	return &Response{Value: &Response_Flush{Flush: &FlushResponse{}}}
}

func ToResponseInfo(res *InfoResponse) *Response {
	return &Response{Value: &Response_Info{Info: res}}
}

func ToResponseCheckTx(res *CheckTxResponse) *Response {
	return &Response{Value: &Response_CheckTx{CheckTx: res}}
}

func ToResponseCommit(res *CommitResponse) *Response {
	return &Response{Value: &Response_Commit{Commit: res}}
}

func ToResponseQuery(res *QueryResponse) *Response {
	return &Response{Value: &Response_Query{Query: res}}
}

func ToResponseInitChain(res *InitChainResponse) *Response {
	return &Response{Value: &Response_InitChain{InitChain: res}}
}

func ToResponseListSnapshots(res *ListSnapshotsResponse) *Response {
	return &Response{Value: &Response_ListSnapshots{ListSnapshots: res}}
}

func ToResponseOfferSnapshot(res *OfferSnapshotResponse) *Response {
	return &Response{Value: &Response_OfferSnapshot{OfferSnapshot: res}}
}

func ToResponseLoadSnapshotChunk(res *LoadSnapshotChunkResponse) *Response {
	return &Response{Value: &Response_LoadSnapshotChunk{LoadSnapshotChunk: res}}
}

func ToResponseApplySnapshotChunk(res *ApplySnapshotChunkResponse) *Response {
	return &Response{Value: &Response_ApplySnapshotChunk{ApplySnapshotChunk: res}}
}

func ToResponsePrepareProposal(res *PrepareProposalResponse) *Response {
	return &Response{Value: &Response_PrepareProposal{PrepareProposal: res}}
}

func ToResponseProcessProposal(res *ProcessProposalResponse) *Response {
	return &Response{Value: &Response_ProcessProposal{ProcessProposal: res}}
}

func ToResponseExtendVote(res *ExtendVoteResponse) *Response {
	return &Response{Value: &Response_ExtendVote{ExtendVote: res}}
}

func ToResponseVerifyVoteExtension(res *VerifyVoteExtensionResponse) *Response {
	return &Response{Value: &Response_VerifyVoteExtension{VerifyVoteExtension: res}}
}

func ToResponseFinalizeBlock(res *FinalizeBlockResponse) *Response {
	return &Response{Value: &Response_FinalizeBlock{FinalizeBlock: res}}
}
