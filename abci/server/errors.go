package server

import (
	"fmt"

	"github.com/bftlabs/tmcore/abci/types"
)

type ErrUnknownServerType struct {
	ServerType string
}

func (e ErrUnknownServerType) Error() string {
	return fmt.Sprintf("Unknown server type %s", e.ServerType)
}

type ErrConnectionNotExists struct {
	connID int
}

func (e ErrConnectionNotExists) Error() string {
	return fmt.Sprintf("Connection %d does not exist", e.connID)
}

type ErrReadingMessage struct {
	err error
}

func (e ErrReadingMessage) Error() string {
	return fmt.Sprintf("Error reading message %e", e.err)
}

type ErrWritingMessage struct {
	err error
}

func (e ErrWritingMessage) Error() string {
	return fmt.Sprintf("Error writing message %e", e.err)
}

type ErrUnknownClientResponse struct {
	req *types.Request
}

func (e ErrUnknownClientResponse) Error() string {
	return fmt.Sprintf("Unknown response from client %T", e.req)
}
