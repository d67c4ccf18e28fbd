package forward

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Network is an enumeration of networks [UpstreamPlain] supports.
type Network string

const (
	// NetworkAny means that [UpstreamPlain] sends the query over UDP first and
	// retries over TCP when the response comes back
	// truncated.
	NetworkAny Network = ""

	// NetworkUDP means that [UpstreamPlain] only uses UDP.
	NetworkUDP Network = "udp"

	// NetworkTCP means that [UpstreamPlain] only uses TCP.
	NetworkTCP Network = "tcp"
)

// NewNetwork parses networkStr into a Network value.
func NewNetwork(networkStr string) (network Network, err error) {
	switch network = Network(networkStr); network {
	case NetworkAny, NetworkUDP, NetworkTCP:
		return network, nil
	default:
		return "", fmt.Errorf("networkStr: %w: %q", errors.ErrBadEnumValue, networkStr)
	}
}
