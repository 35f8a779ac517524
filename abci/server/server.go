// Package server is used to start a new ABCI socket server.
package server

import (
	"github.com/bftlabs/tmcore/abci/types"
	"github.com/bftlabs/tmcore/libs/service"
)

// NewServer is a utility function for out of process applications to set up a
// socket server that can listen to requests from the equivalent client.
func NewServer(protoAddr, transport string, app types.Application) (service.Service, error) {
	var s service.Service
	var err error
	switch transport {
	case "socket":
		s = NewSocketServer(protoAddr, app)
	default:
		err = ErrUnknownServerType{ServerType: transport}
	}
	return s, err
}
