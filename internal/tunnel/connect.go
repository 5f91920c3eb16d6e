package tunnel

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// resolveAndDial resolves addr's host, sorts results IPv4-first, and
// dials the first address that accepts a connection within the
// per-address timeout, optionally bound to cfg.BindAddress.
func resolveAndDial(ctx context.Context, dialer *net.Dialer, network, addr string, cfg Config) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}

	dnsCtx, cancel := context.WithTimeout(ctx, cfg.DNSTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].IP.To4() != nil && ips[j].IP.To4() == nil
	})

	var lastErr error
	for _, ip := range ips {
		d := *dialer
		d.Control = bindControl(cfg.BindAddress)
		if bindIP := net.ParseIP(cfg.BindAddress); bindIP != nil {
			d.LocalAddr = &net.TCPAddr{IP: bindIP}
		}
		target := net.JoinHostPort(ip.String(), port)
		conn, err := d.DialContext(ctx, network, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("tunnel: no addresses resolved")
	}
	return nil, lastErr
}

// bindControl returns a net.Dialer.Control that binds the outbound
// socket to a specific interface name (SO_BINDTODEVICE) when bind looks
// like an interface name rather than a literal address — literal IPs are
// bound via dialer.LocalAddr instead, set by the caller — and applies
// keepalive tuning matching the spec's TCP_KEEPIDLE=15/INTVL=5/CNT=3.
func bindControl(bind string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if bind != "" && net.ParseIP(bind) == nil {
				if e := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, bind); e != nil {
					ctrlErr = e
					return
				}
			}
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 15)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 5)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}

// classifyDialErr maps a dial failure to a backoff reason.
func classifyDialErr(err error) reasonKind {
	if err == nil {
		return reasonTransient
	}
	msg := err.Error()
	if strings.Contains(msg, "cannot assign requested address") || errors.Is(err, unix.EADDRNOTAVAIL) {
		return reasonBindUnavailable
	}
	return reasonTransient
}
