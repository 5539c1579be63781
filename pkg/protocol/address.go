package protocol

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Address is a network destination: either an IP address or a DNS name to be
// resolved, both with a port.
//
// The two cases are distinguished by IsIP; the IP field is only valid for the
// IP case and Name is only non-empty for the name case.
type Address struct {
	IP   netip.Addr
	Name string
	Port uint16
}

// IPAddress creates an Address from an IP and port.
func IPAddress(ip netip.Addr, port uint16) Address {
	return Address{IP: ip.Unmap(), Port: port}
}

// NameAddress creates an Address from a DNS name and port.
func NameAddress(name string, port uint16) Address {
	return Address{Name: name, Port: port}
}

// ParseAddress interprets host as an IP address if possible, and as a DNS
// name otherwise.
func ParseAddress(host string, port uint16) Address {
	if ip, err := netip.ParseAddr(host); err == nil {
		return IPAddress(ip, port)
	}
	return NameAddress(host, port)
}

// IsIP reports whether the address is the IP case.
func (a Address) IsIP() bool {
	return a.IP.IsValid()
}

func (a Address) String() string {
	if a.IsIP() {
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
	return a.Name + ":" + strconv.Itoa(int(a.Port))
}

const (
	addrTagIP   = 0
	addrTagName = 1
)

type ipAddrBody struct {
	_    struct{} `cbor:",toarray"`
	IP   []byte
	Port uint16
}

type nameAddrBody struct {
	_    struct{} `cbor:",toarray"`
	Name string
	Port uint16
}

type variant struct {
	_    struct{} `cbor:",toarray"`
	Tag  uint64
	Body cbor.RawMessage
}

func (a Address) MarshalCBOR() ([]byte, error) {
	var (
		tag  uint64
		body any
	)
	if a.IsIP() {
		tag, body = addrTagIP, ipAddrBody{IP: a.IP.AsSlice(), Port: a.Port}
	} else {
		tag, body = addrTagName, nameAddrBody{Name: a.Name, Port: a.Port}
	}
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(variant{Tag: tag, Body: raw})
}

func (a *Address) UnmarshalCBOR(b []byte) error {
	var v variant
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.Tag {
	case addrTagIP:
		var body ipAddrBody
		if err := cbor.Unmarshal(v.Body, &body); err != nil {
			return err
		}
		ip, ok := netip.AddrFromSlice(body.IP)
		if !ok {
			return fmt.Errorf("address: invalid ip length %d", len(body.IP))
		}
		*a = IPAddress(ip, body.Port)
	case addrTagName:
		var body nameAddrBody
		if err := cbor.Unmarshal(v.Body, &body); err != nil {
			return err
		}
		*a = NameAddress(body.Name, body.Port)
	default:
		return fmt.Errorf("address: unknown variant %d", v.Tag)
	}
	return nil
}
