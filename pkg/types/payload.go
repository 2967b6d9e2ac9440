package types

import "encoding/json"

// Payload is the data part of every server to client frame
type Payload map[string]any

const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Success returns fields with status set to success. fields may be nil.
func Success(fields Payload) Payload {
	p := make(Payload, len(fields)+1)
	for k, v := range fields {
		p[k] = v
	}
	p["status"] = StatusSuccess
	return p
}

// Fail builds the failure payload for err, keeping correlation fields
// (sendId, groupId...) the client needs to match the answer.
func Fail(err error, fields Payload) Payload {
	p := make(Payload, len(fields)+2)
	for k, v := range fields {
		p[k] = v
	}
	p["status"] = StatusFail
	p["errorMsg"] = ClientMessage(err)
	return p
}

// Envelope is the frame exchanged on the socket in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is what the server writes for one fired event
type OutboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}
