package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Payload structs use integer keys (keyasint) so encoded messages stay
// compact and independent of Go field names.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
}

// EncodeMessage encodes a Message to CBOR bytes
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil message")
	}
	if msg.Version == 0 {
		msg.Version = ProtocolVersion
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(msg)
}

// DecodeError reports a complete message body that could not be decoded
// or failed validation. The stream it came from is still in sync.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "malformed message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeMessage decodes CBOR bytes to a Message. Every failure is a
// *DecodeError.
func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := decMode.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("decode message: %w", err)}
	}

	// version (required - must be ProtocolVersion)
	if msg.Version != ProtocolVersion {
		return nil, &DecodeError{Err: fmt.Errorf("invalid version %d, expected %d", msg.Version, ProtocolVersion)}
	}

	if err := msg.Validate(); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return msg, nil
}
