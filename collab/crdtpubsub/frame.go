package crdtpubsub

// FrameOp identifies the kind of a relay frame.
type FrameOp string

const (
	// FrameSubscribe asks the relay to forward a topic to the client.
	FrameSubscribe FrameOp = "sub"
	// FrameUnsubscribe stops forwarding a topic.
	FrameUnsubscribe FrameOp = "unsub"
	// FramePublish sends a payload to every other subscriber of a topic.
	FramePublish FrameOp = "pub"
	// FrameMessage carries a payload from the relay to a subscriber.
	FrameMessage FrameOp = "msg"
)

// Frame is the JSON envelope exchanged with the relay over a websocket.
type Frame struct {
	Op    FrameOp `json:"op"`
	Topic string  `json:"topic"`
	Data  []byte  `json:"data,omitempty"`
}
