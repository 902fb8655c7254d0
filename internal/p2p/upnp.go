package p2p

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

const (
	portMappingLease       = 3600 // seconds
	portMappingDescription = "Lucidity Terminal"
	portMappingAttempts    = 10
)

// gateway wraps whichever WANIPConnection1 client goupnp's discovery
// returned; routers overwhelmingly implement this profile.
type gateway struct {
	client *internetgateway2.WANIPConnection1
}

func discoverGateway() (*gateway, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("p2p: upnp gateway discovery: %w", err)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("p2p: no UPnP gateway found (router may not support UPnP, or it's disabled)")
	}
	return &gateway{client: clients[0]}, nil
}

// addPortMapping tries the preferred external port first, then up to
// portMappingAttempts-1 random high ports, mirroring the retry-on-conflict
// loop routers commonly require.
func (g *gateway) addPortMapping(localIP net.IP, localPort uint16) (externalPort uint16, err error) {
	for attempt := 0; attempt < portMappingAttempts; attempt++ {
		tryPort := localPort
		if attempt > 0 {
			tryPort = uint16(49152 + rand.Intn(16383))
		}

		err = g.client.AddPortMapping(
			"",
			tryPort,
			"TCP",
			localPort,
			localIP.String(),
			true,
			portMappingDescription,
			portMappingLease,
		)
		if err == nil {
			return tryPort, nil
		}
	}
	return 0, fmt.Errorf("p2p: failed to find available external port after %d attempts: %w", portMappingAttempts, err)
}

func (g *gateway) deletePortMapping(externalPort uint16) error {
	return g.client.DeletePortMapping("", externalPort, "TCP")
}

// localIPv4 finds the outbound-facing local address via the well known UDP
// trick: no packets are actually sent, the kernel just picks a route.
func localIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("p2p: determine local ip: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("p2p: unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}
