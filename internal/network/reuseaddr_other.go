//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default listen configuration on
// platforms where SO_REUSEADDR is not set explicitly.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
