package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

const (
	stunServer  = "stun.l.google.com:19302"
	stunTimeout = 3 * time.Second
)

// discoverPublicAddrViaSTUN asks a public STUN server what address this
// host's NAT mapping is visible as. It returns an error if the server
// doesn't answer within stunTimeout, in which case the caller should fall
// back to an HTTP IP-lookup service (stunTimeout is a binding lookup, it
// carries no port information beyond this host's own NAT).
func discoverPublicAddrViaSTUN() (*net.UDPAddr, error) {
	conn, err := net.Dial("udp4", stunServer)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial stun server: %w", err)
	}
	defer conn.Close()

	client, err := stun.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("p2p: stun client: %w", err)
	}
	defer client.Close()

	conn.SetDeadline(time.Now().Add(stunTimeout))

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var xorAddr stun.XORMappedAddress
	var doErr error
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			doErr = res.Error
			return
		}
		doErr = xorAddr.GetFrom(res.Message)
	})
	if err != nil {
		return nil, fmt.Errorf("p2p: stun binding request: %w", err)
	}
	if doErr != nil {
		return nil, fmt.Errorf("p2p: stun response: %w", doErr)
	}

	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
