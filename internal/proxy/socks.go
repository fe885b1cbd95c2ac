package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/things-go/go-socks5"
)

// SOCKSProxy is a SOCKS5 sibling to HTTPProxy, sharing the same
// AuthorizeFunc so both listeners enforce one allow-list.
type SOCKSProxy struct {
	server    *socks5.Server
	listener  net.Listener
	authorize AuthorizeFunc
	debug     bool
	port      int
}

// NewSOCKSProxy builds a SOCKS5 proxy gated by authorize. When debug is
// true, every connection decision is logged to stderr.
func NewSOCKSProxy(authorize AuthorizeFunc, debug bool) *SOCKSProxy {
	return &SOCKSProxy{
		authorize: authorize,
		debug:     debug,
	}
}

// corralRuleSet implements socks5.RuleSet by delegating to an AuthorizeFunc.
type corralRuleSet struct {
	authorize AuthorizeFunc
	debug     bool
}

func (r *corralRuleSet) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	host := req.DestAddr.FQDN
	if host == "" {
		host = req.DestAddr.IP.String()
	}
	port := req.DestAddr.Port

	allowed := r.authorize(host, port)

	if r.debug {
		timestamp := time.Now().Format("15:04:05")
		status := "BLOCKED"
		if allowed {
			status = "ALLOWED"
		}
		fmt.Fprintf(os.Stderr, "[corral:socks] %s CONNECT %s:%d %s\n", timestamp, host, port, status)
	}
	return ctx, allowed
}

// Start binds loopback TCP on a kernel-assigned port and begins serving.
func (p *SOCKSProxy) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("proxy: failed to listen: %w", err)
	}
	p.listener = listener
	p.port = listener.Addr().(*net.TCPAddr).Port

	p.server = socks5.NewServer(
		socks5.WithRule(&corralRuleSet{
			authorize: p.authorize,
			debug:     p.debug,
		}),
	)

	go func() {
		if err := p.server.Serve(p.listener); err != nil && p.debug {
			fmt.Fprintf(os.Stderr, "[corral:socks] server error: %v\n", err)
		}
	}()

	if p.debug {
		fmt.Fprintf(os.Stderr, "[corral:socks] listening on 127.0.0.1:%d\n", p.port)
	}
	return p.port, nil
}

// Stop closes the listener, so no new connections are accepted. Connections
// already accepted are not closed by Stop.
func (p *SOCKSProxy) Stop() error {
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// Port returns the bound port, or 0 if the proxy has not started.
func (p *SOCKSProxy) Port() int {
	return p.port
}
