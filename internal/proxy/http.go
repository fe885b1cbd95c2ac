// Package proxy implements the lazily-started, loopback-only filtering
// proxy: an HTTP/CONNECT listener and a SOCKS5 sibling, both mediated by
// the same host-authorization callback.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AuthorizeFunc decides whether a connection to host:port may proceed.
type AuthorizeFunc func(host string, port int) bool

// HTTPProxy is a loopback-only HTTP/CONNECT proxy that authorizes every
// connection against an AuthorizeFunc before tunneling or forwarding it.
type HTTPProxy struct {
	authorize AuthorizeFunc
	debug     bool

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewHTTPProxy builds an HTTP proxy gated by authorize. When debug is true,
// every accepted and rejected connection is logged to stderr.
func NewHTTPProxy(authorize AuthorizeFunc, debug bool) *HTTPProxy {
	return &HTTPProxy{authorize: authorize, debug: debug}
}

// Start binds loopback TCP on a kernel-assigned port and begins accepting
// connections in the background. It returns the assigned port.
func (p *HTTPProxy) Start() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("proxy: failed to listen: %w", err)
	}

	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop(listener)

	port := listener.Addr().(*net.TCPAddr).Port
	p.logDebug("http proxy listening on 127.0.0.1:%d", port)
	return port, nil
}

// Port returns the bound port, or 0 if the proxy has not started.
func (p *HTTPProxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return 0
	}
	return p.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener, which ends the accept loop, and then waits for
// every connection already accepted to finish. It does not close those
// connections itself, so an open tunnel keeps Stop waiting until one side
// of it closes.
func (p *HTTPProxy) Stop() error {
	p.mu.Lock()
	listener := p.listener
	p.listener = nil
	p.mu.Unlock()

	if listener == nil {
		return nil
	}
	err := listener.Close()
	p.wg.Wait()
	return err
}

func (p *HTTPProxy) acceptLoop(listener net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			p.handleConnection(conn)
		}()
	}
}

// handleConnection runs the REQ_LINE / AUTHORIZE / TUNNEL-or-FORWARD state
// machine for a single accepted connection. All errors are swallowed here
// so one bad client never takes down the proxy for others.
func (p *HTTPProxy) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	method, target, _, ok := parseRequestLine(line)
	if !ok {
		return
	}

	host, port, ok := extractHostPort(method, target)
	if !ok {
		return
	}

	if !p.authorize(host, port) {
		p.logDebug("BLOCKED %s %s (%s:%d)", method, target, host, port)
		fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\nConnection blocked by network allowlist\n")
		return
	}
	p.logDebug("ALLOWED %s %s (%s:%d)", method, target, host, port)

	if method == "CONNECT" {
		p.tunnel(conn, host, port)
		return
	}
	p.forward(conn, reader, line, host)
}

// tunnel implements §4.G's TUNNEL step: dial the target, confirm the
// established connection, then bidirectionally copy bytes until either
// side closes.
func (p *HTTPProxy) tunnel(client net.Conn, host string, port int) {
	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 10*time.Second)
	if err != nil {
		p.logDebug("tunnel dial failed for %s:%d: %v", host, port, err)
		return
	}
	defer remote.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, client) //nolint:errcheck // best-effort pipe, errors are expected on close
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, remote) //nolint:errcheck // best-effort pipe, errors are expected on close
	}()
	wg.Wait()
}

// forward implements §4.G's FORWARD step for plain (non-CONNECT) HTTP: it
// is deliberately single-shot, non-keep-alive. reqLine is the already-read
// request line; reader may still hold buffered header bytes.
func (p *HTTPProxy) forward(client net.Conn, reader *bufio.Reader, reqLine, host string) {
	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, "80"), 10*time.Second)
	if err != nil {
		p.logDebug("forward dial failed for %s:80: %v", host, err)
		return
	}
	defer remote.Close()

	if _, err := remote.Write([]byte(reqLine)); err != nil {
		return
	}

	for {
		headerLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if _, err := remote.Write([]byte(headerLine)); err != nil {
			return
		}
		if strings.TrimRight(headerLine, "\r\n") == "" {
			break
		}
	}

	// Deliberately one-directional past this point, matching the original
	// prototype's single remote read: a plain HTTP request has no body this
	// proxy needs to relay, and waiting on the client for EOF before reading
	// the response would deadlock an ordinary request/response exchange.
	io.Copy(client, remote) //nolint:errcheck // stream the response back, best-effort
}

func (p *HTTPProxy) logDebug(format string, args ...interface{}) {
	if p.debug {
		fmt.Fprintf(os.Stderr, "[corral:proxy] "+format+"\n", args...)
	}
}

// parseRequestLine parses "METHOD TARGET VERSION\r\n" into its three parts.
func parseRequestLine(line string) (method, target, version string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// extractHostPort implements §4.G's host-extraction rule: for CONNECT, the
// target is "host:port" and the port is required; otherwise the target may
// carry an http(s):// prefix and an optional port, defaulting to 80/443
// based on scheme.
func extractHostPort(method, target string) (host string, port int, ok bool) {
	if method == "CONNECT" {
		h, p, err := net.SplitHostPort(target)
		if err != nil {
			return "", 0, false
		}
		portNum, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, false
		}
		return h, portNum, true
	}

	rest := target
	scheme := "http"
	if strings.HasPrefix(rest, "https://") {
		scheme = "https"
		rest = rest[len("https://"):]
	} else if strings.HasPrefix(rest, "http://") {
		rest = rest[len("http://"):]
	}

	end := strings.IndexAny(rest, "/:")
	if end == -1 {
		host = rest
	} else {
		host = rest[:end]
	}
	if host == "" {
		return "", 0, false
	}

	port = 80
	if scheme == "https" {
		port = 443
	}
	if end != -1 && end < len(rest) && rest[end] == ':' {
		portStr := rest[end+1:]
		if slash := strings.IndexByte(portStr, '/'); slash != -1 {
			portStr = portStr[:slash]
		}
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	return host, port, true
}
