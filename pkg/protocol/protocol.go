// Package protocol defines the messages exchanged between an agent and its
// gateway, together with the length-delimited CBOR framing they travel in.
package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Id identifies a single request. Replies carry the originating Id in their
// "re" field.
type Id uint64

// FreshId returns a new random Id from the OS RNG.
func FreshId() Id {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("os rng not available: %v", err))
	}
	return Id(binary.BigEndian.Uint64(b[:]))
}

func (i Id) String() string {
	return fmt.Sprintf("%016x", uint64(i))
}

// AgentId is the public identity of an agent: its 32-byte public key.
type AgentId [32]byte

// AgentIdFromBase64 parses an AgentId from its URL-safe unpadded base64 form.
func AgentIdFromBase64(s string) (AgentId, error) {
	var id AgentId
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid agent id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid agent id: %d bytes", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (a AgentId) String() string {
	return base64.RawURLEncoding.EncodeToString(a[:])
}

// Version is the semantic version of an agent.
type Version struct {
	_     struct{} `cbor:",toarray"`
	Major uint64
	Minor uint64
	Patch uint64
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ErrorCode describes the non-fatal failure of a single operation.
type ErrorCode uint8

const (
	// CouldNotConnect means an address was not reachable.
	CouldNotConnect ErrorCode = iota
	// AddressNotAllowed means the requested address is blocked by the agent
	// configuration.
	AddressNotAllowed
	// DecryptionFailed means the gateway challenge could not be decrypted.
	DecryptionFailed
	// AtCapacity means the agent cannot take on further connections right
	// now. An Available message follows once capacity recovers.
	AtCapacity
)

func (e ErrorCode) String() string {
	switch e {
	case CouldNotConnect:
		return "could not connect"
	case AddressNotAllowed:
		return "address not allowed"
	case DecryptionFailed:
		return "decryption failed"
	case AtCapacity:
		return "at capacity"
	}
	return fmt.Sprintf("error code %d", uint8(e))
}

// Reason is the gateway's cause for terminating an agent.
type Reason uint8

const (
	// Unauthenticated means the agent failed to prove ownership of the
	// private key corresponding to the presented public key.
	Unauthenticated Reason = iota
	// Unauthorized means the agent's identity is not associated with any
	// organization.
	Unauthorized
	// UnsupportedVersion means the agent version is not supported.
	UnsupportedVersion
	// Disabled means the agent is disabled, usually temporarily.
	Disabled
)

func (r Reason) String() string {
	switch r {
	case Unauthenticated:
		return "unauthenticated agent"
	case Unauthorized:
		return "unauthorized agent"
	case UnsupportedVersion:
		return "unsupported agent version"
	case Disabled:
		return "agent disabled"
	}
	return fmt.Sprintf("reason %d", uint8(r))
}
