package vsock

import (
	"time"

	mdvsock "github.com/mdlayher/vsock"

	"github.com/ionvm/substrate/codes"
)

// GuestPort is the well-known VSOCK port the host dials to reach a
// spawned VM's task-broker agent (§4.12). Analogous to a fixed listening
// port on a loopback transport.
const GuestPort = 9100

// DialGuest opens a real AF_VSOCK connection to contextID (the guest's
// vsock_cid) on GuestPort, wrapping it in a multiplexed Channel.
// github.com/mdlayher/vsock is the library the retrieved manifests for
// onkernel-hypeman/oriys-nova/cuemby-warren all carry for exactly this
// host<->microVM transport; this is the only concrete implementation of
// the channel's socket layer in the module, with net.Pipe-based fakes
// standing in for it in tests that don't run under a real hypervisor.
func DialGuest(contextID uint32, heartbeat time.Duration) (*Channel, error) {
	conn, err := mdvsock.Dial(contextID, GuestPort, nil)
	if err != nil {
		return nil, codes.Wrap(codes.VsockDisconnected, err, "dial vsock guest")
	}
	return Dial(conn, heartbeat), nil
}
