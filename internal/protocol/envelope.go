// Package protocol defines the envelope exchanged between tracker clients
// and the session tracker, the typed payloads carried in it, and the codecs
// used to put envelopes on the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action names understood by the tracker.
const (
	ActionRegister          = "registerClient"
	ActionUnregister        = "unregisterClient"
	ActionGetSessions       = "getSessions"
	ActionRemoteEval        = "remoteEval"
	ActionRemoteEvalRequest = "remoteEvalRequest"
	ActionReportActivity    = "reportActivity"
	ActionServerConnect     = "initServerToServerConnect"
	ActionServerDisconnect  = "initServerToServerDisconnect"
)

// Kind tells a request apart from the result that answers it. Envelopes
// without a kind are requests.
type Kind string

const (
	KindRequest Kind = "request"
	KindResult  Kind = "result"
)

var (
	ErrMissingSender = errors.New("envelope has no sender")
	ErrMissingAction = errors.New("envelope has no action")
)

// Envelope is one routed message unit.
type Envelope struct {
	Sender              string `json:"sender"`
	Action              string `json:"action"`
	Kind                Kind   `json:"kind,omitempty"`
	MessageID           string `json:"messageId,omitempty"`
	InResponseTo        string `json:"inResponseTo,omitempty"`
	ExpectMoreResponses bool   `json:"expectMoreResponses,omitempty"`
	Data                any    `json:"data,omitempty"`
}

// Validate checks the fields every routed envelope must carry.
func (e *Envelope) Validate() error {
	if e.Sender == "" {
		return ErrMissingSender
	}
	if e.Action == "" {
		return ErrMissingAction
	}
	return nil
}

// IsResult reports whether the envelope answers an earlier request.
func (e *Envelope) IsResult() bool { return e.Kind == KindResult }

// DecodeData converts the loosely typed Data field into v. Data arrives as
// generic maps from either codec, so it is re-encoded as JSON and decoded
// into the target type.
func (e *Envelope) DecodeData(v any) error {
	if e.Data == nil {
		return nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", e.Action, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Action, err)
	}
	return nil
}

// Reply builds a result envelope answering req on the same action.
func Reply(sender string, req *Envelope, data any) *Envelope {
	return &Envelope{
		Sender:       sender,
		Action:       req.Action,
		Kind:         KindResult,
		InResponseTo: req.MessageID,
		Data:         data,
	}
}
