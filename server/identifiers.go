package server

import (
	"fmt"
	"net"
	"strings"
)

type exchangeID string

// newExchangeID keys a received message for duplicate detection. Message ids
// are only unique per peer.
func newExchangeID(id uint16, addr net.Addr) exchangeID {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s#%d", addr.Network(), addr, id)
	return exchangeID(b.String())
}
