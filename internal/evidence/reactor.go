package evidence

import (
	"fmt"
	"time"

	"github.com/bftlabs/tmcore/libs/clist"
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/p2p"
	"github.com/bftlabs/tmcore/types"
	cmtproto "github.com/bftlabs/tmcore/types/tmproto"
)

const (
	// EvidenceChannel is the channel evidence is broadcast on. Chosen to sit
	// between the consensus channels (0x20-0x23) and the mempool channels
	// (0x30-0x31), matching neither.
	EvidenceChannel = byte(0x38)

	// broadcastEvidenceIntervalS is how long a gossip routine waits before
	// retrying a peer that already had the evidence at its front of queue, or
	// whose Send failed.
	broadcastEvidenceIntervalS = 10
)

// Reactor handles evidence broadcast to peers.
type Reactor struct {
	p2p.BaseReactor
	pool *Pool
}

// NewReactor returns a new Reactor with the given pool.
func NewReactor(pool *Pool) *Reactor {
	evR := &Reactor{
		pool: pool,
	}
	evR.BaseReactor = *p2p.NewBaseReactor("Evidence", evR)
	return evR
}

// SetLogger sets the Logger on the reactor and the underlying pool.
func (evR *Reactor) SetLogger(l log.Logger) {
	evR.Logger = l
	evR.pool.SetLogger(l)
}

// GetChannels implements Reactor by returning the evidence gossip channel.
func (evR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  EvidenceChannel,
			Priority:            6,
			RecvMessageCapacity: 1024 * 1024,
			MessageTypeI:        &cmtproto.EvidenceList{},
		},
	}
}

// AddPeer implements Reactor by starting a gossip routine for the peer.
func (evR *Reactor) AddPeer(peer p2p.Peer) {
	go evR.broadcastEvidenceRoutine(peer)
}

// Receive implements Reactor. It adds any received evidence to the pool.
func (evR *Reactor) Receive(e p2p.Envelope) {
	evis, ok := e.Message.(*cmtproto.EvidenceList)
	if !ok {
		evR.Logger.Error("unknown message type", "src", e.Src, "chId", e.ChannelID, "msg", e.Message)
		evR.Switch.StopPeerForError(e.Src, fmt.Errorf("evidence cannot handle message of type: %T", e.Message))
		return
	}

	for i := range *evis {
		ev, err := types.EvidenceFromProto(&(*evis)[i])
		if err != nil {
			evR.Logger.Error("failed to convert evidence", "err", err, "src", e.Src)
			continue
		}
		if err := evR.pool.AddEvidence(ev); err != nil {
			switch err.(type) {
			case *types.ErrInvalidEvidence:
				evR.Logger.Error("evidence is not valid, disconnecting peer", "src", e.Src, "err", err)
				evR.Switch.StopPeerForError(e.Src, err)
			default:
				evR.Logger.Error("failed to add evidence", "src", e.Src, "err", err)
			}
		}
	}
}

// broadcastEvidenceRoutine sends new evidence to peer, one item at a time,
// until the peer or the reactor stops: walk the pending evidence list, block
// on NextWaitChan when caught up, retry on send failure.
func (evR *Reactor) broadcastEvidenceRoutine(peer p2p.Peer) {
	var next *clist.CElement

	for {
		if !evR.IsRunning() || !peer.IsRunning() {
			return
		}

		if next == nil {
			select {
			case <-evR.pool.EvidenceWaitChan():
				if next = evR.pool.EvidenceFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-evR.Quit():
				return
			}
		}

		ev := next.Value.(types.Evidence)

		pb, err := types.EvidenceToProto(ev)
		if err != nil {
			evR.Logger.Error("failed to convert evidence to proto", "err", err)
		} else {
			success := peer.Send(p2p.Envelope{
				ChannelID: EvidenceChannel,
				Message:   &cmtproto.EvidenceList{*pb},
			})
			if !success {
				select {
				case <-time.After(broadcastEvidenceIntervalS * time.Second):
				case <-peer.Quit():
					return
				case <-evR.Quit():
					return
				}
				continue
			}
		}

		select {
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-evR.Quit():
			return
		}
	}
}
