package app

import (
	"fmt"
	"net"
	"strings"
)

// runtimeBaseURL derives the externally-dialable HTTP base URL for a listen
// address, resolving the unspecified bind hosts ("0.0.0.0", "::") to
// loopback so authhttp.Options.RestURL/AppURL hooks have something a local
// client can actually reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	if port == "" {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// wsBaseURL maps an HTTP(S) base URL to its websocket scheme counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
