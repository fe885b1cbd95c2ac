package proxy

import (
	"fmt"
	"os"

	"github.com/agentcorral/corral/internal/network"
)

// NewAuthorizer builds an AuthorizeFunc from an allow-list and an optional
// deny-list: deny wins, then allow, then default-deny. This is the
// authorization callback both HTTPProxy and SOCKSProxy share.
func NewAuthorizer(allow, deny *network.Allowlist, debug bool) AuthorizeFunc {
	return func(host string, port int) bool {
		if deny.Matches(host) {
			if debug {
				fmt.Fprintf(os.Stderr, "[corral:filter] denied by rule: %s:%d\n", host, port)
			}
			return false
		}
		if allow.Matches(host) {
			if debug {
				fmt.Fprintf(os.Stderr, "[corral:filter] allowed by rule: %s:%d\n", host, port)
			}
			return true
		}
		if debug {
			fmt.Fprintf(os.Stderr, "[corral:filter] no matching rule, denying: %s:%d\n", host, port)
		}
		return false
	}
}
