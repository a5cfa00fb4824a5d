package bridge

// Carrier media-stream protocol events.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventClear     = "clear"
)

// carrierFrame is one message on the carrier media WebSocket, inbound or
// outbound. Only the fields for the frame's Event are populated.
type carrierFrame struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *startEvent `json:"start,omitempty"`
	Media     *mediaEvent `json:"media,omitempty"`
}

// startEvent opens a stream: the carrier-assigned stream sid, the call sid,
// and the per-call parameters from the stream-connect document.
type startEvent struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// mediaEvent carries one base64 audio chunk.
type mediaEvent struct {
	Payload string `json:"payload"`
}

func mediaFrame(streamSid, payloadB64 string) carrierFrame {
	return carrierFrame{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media:     &mediaEvent{Payload: payloadB64},
	}
}

// clearFrame tells the carrier to drop queued outbound audio; sent when the
// agent reports the caller interrupted it.
func clearFrame(streamSid string) carrierFrame {
	return carrierFrame{Event: eventClear, StreamSid: streamSid}
}
