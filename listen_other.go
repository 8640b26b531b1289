//go:build !unix

package grpccore

import "net"

// listenConfig on non-unix platforms has no reuse-port support; the
// option is accepted but inert.
func listenConfig(bool) net.ListenConfig {
	return net.ListenConfig{}
}
