// File: client/address.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel address parsing: "name@host" where an empty name selects the
// default channel and an empty or "local" host selects the UNIX socket.

package client

import (
	"net"
	"strings"

	"github.com/momentics/hioload-ipc/api"
)

// LocalHost is the host part naming the local UNIX-domain server.
const LocalHost = "local"

// Address identifies a channel on a server host.
type Address struct {
	Channel string
	Host    string
}

// ParseAddress parses s. defaultChannel fills an empty channel name.
func ParseAddress(s, defaultChannel string) (Address, error) {
	name, host, _ := strings.Cut(s, "@")
	if name == "" {
		name = defaultChannel
	}
	if name == "" || strings.ContainsAny(name, "/@ \t\n") {
		return Address{}, api.NewError(api.ErrCodeInvalidArgument, "bad channel name").WithContext("address", s)
	}
	if host == LocalHost {
		host = ""
	}
	if host != "" {
		if _, _, err := net.SplitHostPort(host); err != nil {
			return Address{}, api.Wrap(api.ErrCodeInvalidArgument, "bad host address", err).WithContext("address", s)
		}
	}
	return Address{Channel: name, Host: host}, nil
}

// Local reports whether the address names the local UNIX-domain server.
func (a Address) Local() bool { return a.Host == "" }

// String returns the canonical textual form.
func (a Address) String() string {
	if a.Local() {
		return a.Channel
	}
	return a.Channel + "@" + a.Host
}

// dialTarget returns the network and address to connect to. path is the
// resolved socket path of the channel.
func (a Address) dialTarget(path string) (string, string) {
	if a.Local() {
		return "unix", path
	}
	return "tcp", a.Host
}
