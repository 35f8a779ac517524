package mock

import (
	"github.com/bftlabs/tmcore/libs/log"
	"github.com/bftlabs/tmcore/p2p"
)

type Reactor struct {
	p2p.BaseReactor

	Channels []*p2p.ChannelDescriptor
}

func NewReactor() *Reactor {
	r := &Reactor{}
	r.BaseReactor = *p2p.NewBaseReactor("Mock-PEX", r)
	r.SetLogger(log.TestingLogger())
	return r
}

func (r *Reactor) GetChannels() []*p2p.ChannelDescriptor { return r.Channels }
func (r *Reactor) AddPeer(_ p2p.Peer)                    {}
func (r *Reactor) RemovePeer(_ p2p.Peer, _ interface{})  {}
func (r *Reactor) Receive(_ p2p.Envelope)                {}
