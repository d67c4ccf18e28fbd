package dnsmsg

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// BlockingMode is a sum type of all possible ways to construct blocked or
// modified responses.  See the following types:
//
//   - [*BlockingModeCustomIP]
//   - [*BlockingModeNXDOMAIN]
//   - [*BlockingModeNullIP]
//   - [*BlockingModeREFUSED]
type BlockingMode interface {
	isBlockingMode()
}

// BlockingModeCustomIP makes the [dnsmsg.Constructor] return responses with
// custom IP addresses to A and AAAA requests.  For all other types of requests,
// as well as if the address of the corresponding family isn't set, it returns a
// response with no answers (aka NODATA).
type BlockingModeCustomIP struct {
	IPv4 []netip.Addr
	IPv6 []netip.Addr
}

// isBlockingMode implements the BlockingMode interface for
// *BlockingModeCustomIP.
func (*BlockingModeCustomIP) isBlockingMode() {}

// BlockingModeNullIP makes the [dnsmsg.Constructor] return a null-IP response
// to A and AAAA requests.  For all other types of requests, it returns a
// response with no answers (aka NODATA).
type BlockingModeNullIP struct{}

// isBlockingMode implements the BlockingMode interface for *BlockingModeNullIP.
func (*BlockingModeNullIP) isBlockingMode() {}

// BlockingModeNXDOMAIN makes the [dnsmsg.Constructor] return responses with
// code NXDOMAIN.
type BlockingModeNXDOMAIN struct{}

// isBlockingMode implements the BlockingMode interface for
// *BlockingModeNXDOMAIN.
func (*BlockingModeNXDOMAIN) isBlockingMode() {}

// BlockingModeREFUSED makes the [dnsmsg.Constructor] return responses with
// code REFUSED.
type BlockingModeREFUSED struct{}

// isBlockingMode implements the BlockingMode interface for
// *BlockingModeREFUSED.
func (*BlockingModeREFUSED) isBlockingMode() {}

// Valid blocking mode type strings for [BlockingModeCodec].
const (
	blockingModeTypeCustomIP = "custom_ip"
	blockingModeTypeNXDOMAIN = "nxdomain"
	blockingModeTypeNullIP   = "null_ip"
	blockingModeTypeREFUSED  = "refused"
)

// BlockingModeCodec is a JSON codec for [BlockingMode] values.  It is used in
// configuration files and the management API.
type BlockingModeCodec struct {
	Mode BlockingMode
}

// blockingModeJSON is the JSON structure for encoding and decoding
// [BlockingMode] values.
type blockingModeJSON struct {
	IPv4 []netip.Addr `json:"ipv4,omitempty"`
	IPv6 []netip.Addr `json:"ipv6,omitempty"`
	Type string       `json:"type"`
}

// type check
var _ json.Marshaler = (*BlockingModeCodec)(nil)

// MarshalJSON implements the [json.Marshaler] interface for *BlockingModeCodec.
func (c *BlockingModeCodec) MarshalJSON() (b []byte, err error) {
	data := &blockingModeJSON{}
	switch m := c.Mode.(type) {
	case *BlockingModeCustomIP:
		data.Type = blockingModeTypeCustomIP
		data.IPv4 = m.IPv4
		data.IPv6 = m.IPv6
	case *BlockingModeNXDOMAIN:
		data.Type = blockingModeTypeNXDOMAIN
	case *BlockingModeNullIP:
		data.Type = blockingModeTypeNullIP
	case *BlockingModeREFUSED:
		data.Type = blockingModeTypeREFUSED
	default:
		return nil, fmt.Errorf("unexpected blocking mode type %T", c.Mode)
	}

	return json.Marshal(data)
}

// type check
var _ json.Unmarshaler = (*BlockingModeCodec)(nil)

// UnmarshalJSON implements the [json.Unmarshaler] interface for
// *BlockingModeCodec.
func (c *BlockingModeCodec) UnmarshalJSON(b []byte) (err error) {
	data := &blockingModeJSON{}
	err = json.Unmarshal(b, data)
	if err != nil {
		return err
	}

	switch data.Type {
	case blockingModeTypeCustomIP:
		c.Mode, err = data.customIPMode()
		if err != nil {
			return fmt.Errorf("bad options for blocking mode %q: %w", data.Type, err)
		}
	case blockingModeTypeNXDOMAIN:
		c.Mode = &BlockingModeNXDOMAIN{}
	case blockingModeTypeNullIP:
		c.Mode = &BlockingModeNullIP{}
	case blockingModeTypeREFUSED:
		c.Mode = &BlockingModeREFUSED{}
	default:
		return fmt.Errorf("unexpected blocking mode type %q", data.Type)
	}

	return nil
}

// customIPMode converts data into a custom-IP blocking mode.  It makes sure
// that at least one address is set and that all addresses are of the correct
// protocol version.
func (data *blockingModeJSON) customIPMode() (m *BlockingModeCustomIP, err error) {
	if len(data.IPv4) == 0 && len(data.IPv6) == 0 {
		return nil, errors.Error("ipv4 or ipv6 must be set")
	}

	for i, addr := range data.IPv4 {
		if !addr.Is4() {
			return nil, fmt.Errorf("ipv4: at index %d: address %q is not ipv4", i, addr)
		}
	}

	for i, addr := range data.IPv6 {
		if !addr.Is6() || addr.Is4() {
			return nil, fmt.Errorf("ipv6: at index %d: address %q is not ipv6", i, addr)
		}
	}

	return &BlockingModeCustomIP{
		IPv4: data.IPv4,
		IPv6: data.IPv6,
	}, nil
}
