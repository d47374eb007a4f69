package domain

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrHandleClosed     = errors.New("connection handle closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrReconnectGivenUp = errors.New("cannot reconnect: retry attempts exhausted")
)
