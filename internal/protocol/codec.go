package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Websocket subprotocols selecting a codec.
const (
	SubprotocolJSON = "lively-json"
	SubprotocolCBOR = "lively-cbor"
)

// Codec serializes envelopes for one websocket subprotocol. JSON travels in
// text frames, CBOR in binary frames.
type Codec interface {
	Subprotocol() string
	Binary() bool
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(data []byte, e *Envelope) error
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// Subprotocols lists the subprotocols a tracker accepts, preferred first.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty or
// unknown subprotocol falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonCodec) Unmarshal(data []byte, e *Envelope) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("parsing envelope: %w", err)
	}
	return nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}
	// Decode nested maps with string keys so payloads can be re-encoded
	// as JSON by DecodeData.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool        { return true }

func (c cborCodec) Marshal(e *Envelope) ([]byte, error) {
	return c.enc.Marshal(e)
}

func (c cborCodec) Unmarshal(data []byte, e *Envelope) error {
	if err := c.dec.Unmarshal(data, e); err != nil {
		return fmt.Errorf("parsing cbor envelope: %w", err)
	}
	return nil
}
