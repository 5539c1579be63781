package protocol

import (
	"fmt"

	"github.com/cluvio/agent/pkg/sealedbox"
	"github.com/fxamacker/cbor/v2"
)

// ServerPayload is implemented by every gateway-to-agent message payload.
type ServerPayload interface {
	serverPayload()
}

// ClientPayload is implemented by every agent-to-gateway message payload.
type ClientPayload interface {
	clientPayload()
}

// ServerMessage is a gateway-to-agent message. A nil Data means the payload
// variant was not recognised; receivers tolerate this for forward
// compatibility.
type ServerMessage struct {
	ID   Id
	Data ServerPayload
}

// ClientMessage is an agent-to-gateway message. A nil Data means the payload
// variant was not recognised.
type ClientMessage struct {
	ID   Id
	Data ClientPayload
}

// NewServerMessage wraps data in a message with a fresh random Id.
func NewServerMessage(data ServerPayload) ServerMessage {
	return ServerMessage{ID: FreshId(), Data: data}
}

// NewClientMessage wraps data in a message with a fresh random Id.
func NewClientMessage(data ClientPayload) ClientMessage {
	return ClientMessage{ID: FreshId(), Data: data}
}

// CipherText is a sealed box as exchanged during challenge/response
// authentication.
type CipherText sealedbox.Data

type cipherTextWire struct {
	_    struct{} `cbor:",toarray"`
	Key  []byte
	Body []byte
	Tag  []byte
}

func (c CipherText) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cipherTextWire{Key: c.Key[:], Body: c.Body, Tag: c.Tag[:]})
}

func (c *CipherText) UnmarshalCBOR(b []byte) error {
	var w cipherTextWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Key) != sealedbox.KeySize {
		return fmt.Errorf("ciphertext: invalid key length %d", len(w.Key))
	}
	if len(w.Tag) != sealedbox.TagSize {
		return fmt.Errorf("ciphertext: invalid tag length %d", len(w.Tag))
	}
	copy(c.Key[:], w.Key)
	c.Body = w.Body
	copy(c.Tag[:], w.Tag)
	return nil
}

// Opaque is data produced by one peer to be relayed verbatim by another.
type Opaque struct {
	_     struct{} `cbor:",toarray"`
	KeyID uint64
	Nonce []byte
	Value []byte
}

// ConnectionType distinguishes control connections from data connections in
// the initial Hello. The zero value is a control connection.
type ConnectionType struct {
	// Data is set on data connections opened in response to a bridge
	// request; it carries the request Id and the gateway authorization.
	Data *DataConnection
}

// DataConnection identifies the bridge request a data connection belongs to.
type DataConnection struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Auth []byte
}

const (
	connTagControl = 0
	connTagData    = 1
)

func (c ConnectionType) MarshalCBOR() ([]byte, error) {
	if c.Data == nil {
		return cbor.Marshal(variant{Tag: connTagControl, Body: cborNull()})
	}
	raw, err := cbor.Marshal(c.Data)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(variant{Tag: connTagData, Body: raw})
}

func (c *ConnectionType) UnmarshalCBOR(b []byte) error {
	var v variant
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.Tag {
	case connTagControl:
		c.Data = nil
	case connTagData:
		var d DataConnection
		if err := cbor.Unmarshal(v.Body, &d); err != nil {
			return err
		}
		c.Data = &d
	default:
		return fmt.Errorf("connection type: unknown variant %d", v.Tag)
	}
	return nil
}

// Connect asks the receiving end of a data stream to open a connection to
// the given address and relay bytes in both directions.
type Connect struct {
	_    struct{} `cbor:",toarray"`
	Addr Address
	// UseHalfClose selects independent shutdown of the two transfer
	// directions; nil means false.
	UseHalfClose *bool
}

// Gateway-to-agent payloads.

// Ping asks the peer to answer with a Pong. It is valid in both directions.
type Ping struct{}

// Pong answers a previously received Ping.
type Pong struct {
	_  struct{} `cbor:",toarray"`
	Re Id
}

// Challenge asks the agent to prove its identity by decrypting the sealed
// box with its secret key.
type Challenge struct {
	_    struct{} `cbor:",toarray"`
	Text CipherText
}

// Terminate ends the agent run with the given reason.
type Terminate struct {
	_      struct{} `cbor:",toarray"`
	Reason Reason
}

// Test asks the agent to probe reachability of an internal address.
type Test struct {
	_    struct{} `cbor:",toarray"`
	Addr Address
}

// SwitchToNewConnection asks the agent to open a new control connection and
// drain the current one.
type SwitchToNewConnection struct{}

// ServerError reports a gateway-side error.
type ServerError struct {
	_   struct{} `cbor:",toarray"`
	Msg string
}

// Accepted tells the agent that the gateway accepted it.
type Accepted struct{}

// Bridge asks the agent to connect external and internal endpoints and relay
// bytes between them.
type Bridge struct {
	_    struct{} `cbor:",toarray"`
	Ext  Address
	Int  Address
	Auth []byte
}

// DataAddress concludes the data-connection handshake; its payload is
// relayed back to the gateway in Established.
type DataAddress struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Data Opaque
}

func (Ping) serverPayload()                  {}
func (Pong) serverPayload()                  {}
func (Challenge) serverPayload()             {}
func (Terminate) serverPayload()             {}
func (Test) serverPayload()                  {}
func (SwitchToNewConnection) serverPayload() {}
func (ServerError) serverPayload()           {}
func (Accepted) serverPayload()              {}
func (Bridge) serverPayload()                {}
func (DataAddress) serverPayload()           {}

// Agent-to-gateway payloads.

// Hello is the first message on every new connection.
type Hello struct {
	_            struct{} `cbor:",toarray"`
	PubKey       []byte
	Connection   ConnectionType
	AgentVersion Version
}

// Response answers an authentication challenge with the decrypted plaintext.
type Response struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Text []byte
}

// Error reports the failure of a single gateway request.
type Error struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Code *ErrorCode
	Msg  string
}

// TestResult answers a reachability probe; a nil Code means success.
type TestResult struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Code *ErrorCode
}

// SwitchingConnection acknowledges a SwitchToNewConnection request.
type SwitchingConnection struct {
	_  struct{} `cbor:",toarray"`
	Re Id
}

// Available tells the gateway that the agent has capacity again after a
// previous AtCapacity refusal.
type Available struct{}

// Established tells the gateway that a data connection reached the external
// endpoint; Data relays the witness received in DataAddress.
type Established struct {
	_    struct{} `cbor:",toarray"`
	Re   Id
	Data Opaque
}

// TestConnectSuccess reports a successful reachability probe.
type TestConnectSuccess struct {
	_  struct{} `cbor:",toarray"`
	Re Id
}

func (Hello) clientPayload()               {}
func (Ping) clientPayload()                {}
func (Pong) clientPayload()                {}
func (Response) clientPayload()            {}
func (Error) clientPayload()               {}
func (TestResult) clientPayload()          {}
func (SwitchingConnection) clientPayload() {}
func (Available) clientPayload()           {}
func (Established) clientPayload()         {}
func (TestConnectSuccess) clientPayload()  {}

// ErrCodePtr is a convenience for building optional error codes.
func ErrCodePtr(c ErrorCode) *ErrorCode {
	return &c
}
