package channel

import (
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/vsock"
)

// Listen opens the listener a Stream serves. network is tcp, unix or vsock. For vsock the
// host listens on port of its own context id and addr is ignored.
func Listen(network, addr string, port uint32) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(network, addr)

	case "unix":
		// A socket left behind by an earlier run would make the bind fail
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", addr, err)
		}
		return net.Listen(network, addr)

	case "vsock":
		if port == 0 {
			return nil, fmt.Errorf("a vsock listener needs a port")
		}
		return vsock.Listen(port, nil)
	}

	return nil, fmt.Errorf("unknown stream network %q, possible networks: %v", network, []string{"tcp", "unix", "vsock"})
}
