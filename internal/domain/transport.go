package domain

import (
	"encoding/json"
	"fmt"
)

// Transport is the write side of one browser connection. Send must not
// block; an error means the connection is dead and will be evicted.
// Evict is called once the registry has dropped the connection, whatever
// the reason. It must not block and may be called more than once; the
// owner of the connection should end it so the client reconnects.
type Transport interface {
	Send(frame []byte) error
	Evict()
}

// HeartbeatFrame is an SSE comment line. Event-source clients ignore it.
var HeartbeatFrame = []byte(": keepalive\n\n")

// EncodeFrame renders one event as an SSE data frame.
func EncodeFrame(event RealtimeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
