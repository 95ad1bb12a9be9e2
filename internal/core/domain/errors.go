package domain

import "errors"

var (
	ErrRoomClosed           = errors.New("room closed")
	ErrRoomClaimed          = errors.New("room is hosted by another instance")
	ErrRouterClosed         = errors.New("router closed")
	ErrTransportClosed      = errors.New("transport closed")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrDataProducerNotFound = errors.New("data producer not found")
	ErrCannotConsume        = errors.New("rtp capabilities cannot consume producer")
	ErrSctpDisabled         = errors.New("sctp not enabled on transport")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
	ErrInvalidParameters    = errors.New("invalid parameters")
)
