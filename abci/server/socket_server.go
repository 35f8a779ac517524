package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bftlabs/tmcore/abci/types"
	"github.com/bftlabs/tmcore/libs/service"
	cmtnet "github.com/bftlabs/tmcore/libs/net"
)

// SocketServer is the server side implementation of the socket protocol. It
// accepts connections from a single CometBFT client and serializes all
// requests against the wrapped Application through appMtx.
type SocketServer struct {
	service.BaseService

	proto    string
	addr     string
	listener net.Listener

	connsMtx   sync.Mutex
	connsClose map[int]func()
	nextConnID int

	appMtx sync.Mutex
	app    types.Application
}

// NewSocketServer returns a new socket server that will listen at protoAddr
// and dispatch requests to app.
func NewSocketServer(protoAddr string, app types.Application) service.Service {
	proto, addr := cmtnet.ProtocolAndAddress(protoAddr)
	s := &SocketServer{
		proto:      proto,
		addr:       addr,
		connsClose: make(map[int]func()),
		app:        app,
	}
	s.BaseService = *service.NewBaseService(nil, "ABCIServer", s)
	return s
}

func (s *SocketServer) OnStart() error {
	ln, err := net.Listen(s.proto, s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptConnectionsRoutine()
	return nil
}

func (s *SocketServer) OnStop() {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.Logger.Error("error closing listener", "err", err)
		}
	}

	s.connsMtx.Lock()
	defer s.connsMtx.Unlock()
	for id, closeFn := range s.connsClose {
		closeFn()
		delete(s.connsClose, id)
	}
}

func (s *SocketServer) addConn(closeFn func()) int {
	s.connsMtx.Lock()
	defer s.connsMtx.Unlock()
	id := s.nextConnID
	s.nextConnID++
	s.connsClose[id] = closeFn
	return id
}

func (s *SocketServer) rmConn(id int) {
	s.connsMtx.Lock()
	defer s.connsMtx.Unlock()
	delete(s.connsClose, id)
}

func (s *SocketServer) acceptConnectionsRoutine() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsRunning() {
				return
			}
			s.Logger.Error("error accepting connection", "err", err)
			continue
		}

		s.Logger.Info("accepted a new connection")

		closeConn := make(chan error, 2)
		responses := make(chan *types.Response, 1000)

		connID := s.addConn(func() { conn.Close() })

		go s.handleRequests(closeConn, conn, responses)
		go s.handleResponses(closeConn, conn, responses)

		go func() {
			err := <-closeConn
			if err != nil {
				s.Logger.Info("connection was closed", "err", err)
			} else {
				s.Logger.Error("connection was closed")
			}
			conn.Close()
			close(responses)
			s.rmConn(connID)
		}()
	}
}

// handleRequests reads and dispatches requests from r, one at a time, in the
// order they were sent. It never returns until the connection breaks.
func (s *SocketServer) handleRequests(closeConn chan<- error, r io.Reader, responses chan<- *types.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			closeConn <- fmt.Errorf("recovered from panic: %v", rec)
		}
	}()

	ctx := context.Background()
	br := bufio.NewReader(r)
	for {
		req := &types.Request{}
		if err := types.ReadMessage(br, req); err != nil {
			if err == io.EOF {
				closeConn <- nil
			} else {
				closeConn <- ErrReadingMessage{err: err}
			}
			return
		}
		s.appMtx.Lock()
		res := s.processRequest(ctx, req)
		s.appMtx.Unlock()

		select {
		case responses <- res:
		case <-closeConn:
			return
		}
	}
}

func (s *SocketServer) processRequest(ctx context.Context, req *types.Request) *types.Response {
	switch r := req.Value.(type) {
	case *types.Request_Echo:
		return types.ToResponseEcho(r.Echo.Message)
	case *types.Request_Flush:
		return types.ToResponseFlush()
	case *types.Request_Info:
		res, err := s.app.Info(ctx, r.Info)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseInfo(res)
	case *types.Request_CheckTx:
		res, err := s.app.CheckTx(ctx, r.CheckTx)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseCheckTx(res)
	case *types.Request_Commit:
		res, err := s.app.Commit(ctx, r.Commit)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseCommit(res)
	case *types.Request_Query:
		res, err := s.app.Query(ctx, r.Query)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseQuery(res)
	case *types.Request_InitChain:
		res, err := s.app.InitChain(ctx, r.InitChain)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseInitChain(res)
	case *types.Request_ListSnapshots:
		res, err := s.app.ListSnapshots(ctx, r.ListSnapshots)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseListSnapshots(res)
	case *types.Request_OfferSnapshot:
		res, err := s.app.OfferSnapshot(ctx, r.OfferSnapshot)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseOfferSnapshot(res)
	case *types.Request_LoadSnapshotChunk:
		res, err := s.app.LoadSnapshotChunk(ctx, r.LoadSnapshotChunk)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseLoadSnapshotChunk(res)
	case *types.Request_ApplySnapshotChunk:
		res, err := s.app.ApplySnapshotChunk(ctx, r.ApplySnapshotChunk)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseApplySnapshotChunk(res)
	case *types.Request_PrepareProposal:
		res, err := s.app.PrepareProposal(ctx, r.PrepareProposal)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponsePrepareProposal(res)
	case *types.Request_ProcessProposal:
		res, err := s.app.ProcessProposal(ctx, r.ProcessProposal)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseProcessProposal(res)
	case *types.Request_ExtendVote:
		res, err := s.app.ExtendVote(ctx, r.ExtendVote)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseExtendVote(res)
	case *types.Request_VerifyVoteExtension:
		res, err := s.app.VerifyVoteExtension(ctx, r.VerifyVoteExtension)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseVerifyVoteExtension(res)
	case *types.Request_FinalizeBlock:
		res, err := s.app.FinalizeBlock(ctx, r.FinalizeBlock)
		if err != nil {
			return types.ToResponseException(err.Error())
		}
		return types.ToResponseFinalizeBlock(res)
	default:
		return types.ToResponseException(fmt.Sprintf("unknown request %T", req.Value))
	}
}

// handleResponses writes queued responses to w in the order handleRequests
// produced them, flushing whenever a flush response is seen.
func (s *SocketServer) handleResponses(closeConn chan<- error, w io.Writer, responses <-chan *types.Response) {
	bw := bufio.NewWriter(w)
	for res := range responses {
		if err := types.WriteMessage(res, bw); err != nil {
			closeConn <- ErrWritingMessage{err: err}
			return
		}
		if _, ok := res.Value.(*types.Response_Flush); ok {
			if err := bw.Flush(); err != nil {
				closeConn <- ErrWritingMessage{err: err}
				return
			}
		}
	}
}
