package domain

import "errors"

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrPayloadMismatch   = errors.New("payload does not match event type")
	ErrMalformedChannel  = errors.New("malformed channel")
	ErrChangeSourceFatal = errors.New("change source setup failed permanently")
	ErrSlowConsumer      = errors.New("connection buffer full")
	ErrTransportClosed   = errors.New("transport closed")
)
