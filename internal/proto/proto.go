// Package proto is the peer-to-peer wire envelope.
//
// Every message between full hosts is a JSON object
//
//	{"kind":"ctx.diff","from":"peer-a","body":{...}}
//
// The body schema belongs to the component that owns the kind: syncproto
// for ctx.*, stream for stream.*, capability for cap.*, node for topic.msg.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a message type.
type Kind string

const (
	KindCtxDiff     Kind = "ctx.diff"
	KindCtxSnapshot Kind = "ctx.snapshot"

	KindStreamStart  Kind = "stream.start"
	KindStreamAccept Kind = "stream.accept"
	KindStreamReject Kind = "stream.reject"
	KindStreamData   Kind = "stream.data"
	KindStreamClose  Kind = "stream.close"

	KindCapQuery Kind = "cap.query"
	KindCapMatch Kind = "cap.match"

	KindTopicMsg Kind = "topic.msg"
)

// Reserved broadcast topics.
const (
	TopicContext    = "meshsync/context"
	TopicCapability = "meshsync/capability"
)

// IsReservedTopic reports whether topic is used internally and so cannot
// be subscribed to or published on by applications.
func IsReservedTopic(topic string) bool {
	return strings.HasPrefix(topic, "meshsync/")
}

// Family returns the component prefix of k, e.g. "stream".
func (k Kind) Family() string {
	family, _, _ := strings.Cut(string(k), ".")
	return family
}

// Envelope is the outer frame of every peer message.
type Envelope struct {
	Kind Kind            `json:"kind"`
	From string          `json:"from"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode builds the wire bytes for one message.
func Encode(kind Kind, from string, body any) ([]byte, error) {
	env := Envelope{Kind: kind, From: from}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", kind, err)
		}
		env.Body = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return data, nil
}

// Decode parses wire bytes into an Envelope. The body is left raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// UnmarshalBody decodes the body into v.
func (e Envelope) UnmarshalBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("decode %s: empty body", e.Kind)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}
