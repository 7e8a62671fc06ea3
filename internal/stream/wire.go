package stream

// Wire bodies. A stream is named on the wire by the initiator's id; the
// FromInitiator flag tells the receiver whose id space ID belongs to.

// StartBody is the stream.start body.
type StartBody struct {
	ID     ID     `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// AcceptBody is the stream.accept body.
type AcceptBody struct {
	ID ID `json:"id"`
}

// RejectBody is the stream.reject body.
type RejectBody struct {
	ID     ID     `json:"id"`
	Reason string `json:"reason"`
}

// DataBody is the stream.data body. Data is base64 in JSON.
type DataBody struct {
	ID            ID     `json:"id"`
	FromInitiator bool   `json:"from_initiator"`
	Data          []byte `json:"data"`
}

// CloseBody is the stream.close body.
type CloseBody struct {
	ID            ID     `json:"id"`
	FromInitiator bool   `json:"from_initiator"`
	Reason        string `json:"reason,omitempty"`
}
