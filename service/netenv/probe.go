package netenv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// resolveProbeTarget resolves a hostname to its first address using the
// system resolvers directly. Going through the stub resolver is avoided
// so a probe result never depends on nsswitch configuration.
func resolveProbeTarget(ctx context.Context, hostname string) (net.IP, error) {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config: %w", err)
	}
	if len(config.Servers) == 0 {
		return nil, errors.New("no resolvers configured")
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	client := &dns.Client{}
	for _, server := range config.Servers {
		reply, _, err := client.ExchangeContext(ctx, query, net.JoinHostPort(server, config.Port))
		if err != nil {
			continue
		}
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A, nil
			}
		}
	}

	return nil, fmt.Errorf("could not resolve %s", hostname)
}

// echoSpec returns the socket parameters for an echo probe of the given
// address family: network and listen address for icmp.ListenPacket, the
// iana protocol number for reply parsing, and the echo request type.
func echoSpec(ip net.IP) (network, listenAddr string, proto int, echoType icmp.Type) {
	if ip.To4() == nil {
		return "udp6", "::", 58, ipv6.ICMPTypeEchoRequest
	}
	return "udp4", "0.0.0.0", 1, ipv4.ICMPTypeEcho
}

// pingEcho sends one echo request on an unprivileged datagram ICMP socket
// and waits for any echo reply until the context deadline.
func pingEcho(ctx context.Context, ip net.IP) bool {
	network, listenAddr, proto, echoType := echoSpec(ip)

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		// Datagram ICMP sockets may be disabled via ping_group_range.
		return false
	}
	defer func() {
		_ = conn.Close()
	}()

	msg := icmp.Message{
		Type: echoType,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("netprofd reachability probe"),
		},
	}
	packed, err := msg.Marshal(nil)
	if err != nil {
		return false
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProbeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}

	if _, err := conn.WriteTo(packed, &net.UDPAddr{IP: ip}); err != nil {
		return false
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		reply, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		switch reply.Type {
		case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
			return true
		}
	}
}

// tcpTouch dials a well-known port. A refused connection still proves the
// host is up and answering.
func tcpTouch(ctx context.Context, ip net.IP) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), "443"))
	if err == nil {
		_ = conn.Close()
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// DefaultProbeTimeout bounds probes whose context carries no deadline.
const DefaultProbeTimeout = time.Second
