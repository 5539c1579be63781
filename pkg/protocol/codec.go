package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire form of a message: a two element array of the message Id and the
// payload. The payload is itself a two element array of the variant tag and
// the variant body (null for fieldless variants), or null when absent.

type wireMessage struct {
	_    struct{} `cbor:",toarray"`
	ID   Id
	Data *variant
}

func cborNull() cbor.RawMessage {
	return cbor.RawMessage{0xf6}
}

const (
	serverTagPing = iota
	serverTagPong
	serverTagChallenge
	serverTagTerminate
	serverTagTest
	serverTagSwitchToNewConnection
	serverTagError
	serverTagAccepted
	serverTagBridge
	serverTagDataAddress
)

const (
	clientTagHello = iota
	clientTagPing
	clientTagPong
	clientTagResponse
	clientTagError
	clientTagTest
	clientTagSwitchingConnection
	clientTagAvailable
	clientTagEstablished
	clientTagTestConnectSuccess
)

func marshalMessage(id Id, tag uint64, body any) ([]byte, error) {
	raw := cborNull()
	if body != nil {
		var err error
		if raw, err = cbor.Marshal(body); err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(wireMessage{ID: id, Data: &variant{Tag: tag, Body: raw}})
}

// MarshalCBOR encodes the message in its wire form.
func (m ServerMessage) MarshalCBOR() ([]byte, error) {
	if m.Data == nil {
		return cbor.Marshal(wireMessage{ID: m.ID})
	}
	switch d := m.Data.(type) {
	case Ping:
		return marshalMessage(m.ID, serverTagPing, nil)
	case Pong:
		return marshalMessage(m.ID, serverTagPong, d)
	case Challenge:
		return marshalMessage(m.ID, serverTagChallenge, d)
	case Terminate:
		return marshalMessage(m.ID, serverTagTerminate, d)
	case Test:
		return marshalMessage(m.ID, serverTagTest, d)
	case SwitchToNewConnection:
		return marshalMessage(m.ID, serverTagSwitchToNewConnection, nil)
	case ServerError:
		return marshalMessage(m.ID, serverTagError, d)
	case Accepted:
		return marshalMessage(m.ID, serverTagAccepted, nil)
	case Bridge:
		return marshalMessage(m.ID, serverTagBridge, d)
	case DataAddress:
		return marshalMessage(m.ID, serverTagDataAddress, d)
	}
	return nil, fmt.Errorf("unknown server payload %T", m.Data)
}

// UnmarshalCBOR decodes a message, yielding a nil Data for unknown variant
// tags.
func (m *ServerMessage) UnmarshalCBOR(b []byte) error {
	var w wireMessage
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	m.ID = w.ID
	m.Data = nil
	if w.Data == nil {
		return nil
	}
	switch w.Data.Tag {
	case serverTagPing:
		m.Data = Ping{}
	case serverTagPong:
		var d Pong
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagChallenge:
		var d Challenge
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagTerminate:
		var d Terminate
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagTest:
		var d Test
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagSwitchToNewConnection:
		m.Data = SwitchToNewConnection{}
	case serverTagError:
		var d ServerError
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagAccepted:
		m.Data = Accepted{}
	case serverTagBridge:
		var d Bridge
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case serverTagDataAddress:
		var d DataAddress
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	}
	return nil
}

// MarshalCBOR encodes the message in its wire form.
func (m ClientMessage) MarshalCBOR() ([]byte, error) {
	if m.Data == nil {
		return cbor.Marshal(wireMessage{ID: m.ID})
	}
	switch d := m.Data.(type) {
	case Hello:
		return marshalMessage(m.ID, clientTagHello, d)
	case Ping:
		return marshalMessage(m.ID, clientTagPing, nil)
	case Pong:
		return marshalMessage(m.ID, clientTagPong, d)
	case Response:
		return marshalMessage(m.ID, clientTagResponse, d)
	case Error:
		return marshalMessage(m.ID, clientTagError, d)
	case TestResult:
		return marshalMessage(m.ID, clientTagTest, d)
	case SwitchingConnection:
		return marshalMessage(m.ID, clientTagSwitchingConnection, d)
	case Available:
		return marshalMessage(m.ID, clientTagAvailable, nil)
	case Established:
		return marshalMessage(m.ID, clientTagEstablished, d)
	case TestConnectSuccess:
		return marshalMessage(m.ID, clientTagTestConnectSuccess, d)
	}
	return nil, fmt.Errorf("unknown client payload %T", m.Data)
}

// UnmarshalCBOR decodes a message, yielding a nil Data for unknown variant
// tags.
func (m *ClientMessage) UnmarshalCBOR(b []byte) error {
	var w wireMessage
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	m.ID = w.ID
	m.Data = nil
	if w.Data == nil {
		return nil
	}
	switch w.Data.Tag {
	case clientTagHello:
		var d Hello
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagPing:
		m.Data = Ping{}
	case clientTagPong:
		var d Pong
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagResponse:
		var d Response
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagError:
		var d Error
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagTest:
		var d TestResult
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagSwitchingConnection:
		var d SwitchingConnection
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagAvailable:
		m.Data = Available{}
	case clientTagEstablished:
		var d Established
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	case clientTagTestConnectSuccess:
		var d TestConnectSuccess
		if err := cbor.Unmarshal(w.Data.Body, &d); err != nil {
			return err
		}
		m.Data = d
	}
	return nil
}
