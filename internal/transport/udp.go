package transport

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// PacketConn is a datagram socket with bounded reads.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ListenUDP binds an unconnected UDP socket on port (0 picks one).
func ListenUDP(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.New(errors.Join(errcode.UnableToOpenPort, err)).
			Component("transport").
			Category(errors.CategoryNetwork).
			Context("port", port).
			Build()
	}
	return conn, nil
}

// JoinMulticast listens on group:port and joins the group on all interfaces
// that accept the join.
func JoinMulticast(group string, port int) (PacketConn, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, errcode.New(errcode.InvalidArguments, "transport", "%q is not an IPv4 multicast group", group)
	}

	c, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.New(errors.Join(errcode.UnableToOpenPort, err)).
			Component("transport").
			Category(errors.CategoryNetwork).
			Context("group", group).
			Context("port", port).
			Build()
	}

	pc := ipv4.NewPacketConn(c)
	joined := false
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if pc.JoinGroup(ifi, &net.UDPAddr{IP: ip}) == nil {
			joined = true
		}
	}
	if !joined {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: ip}); err != nil {
			_ = c.Close()
			return nil, errors.New(errors.Join(errcode.SetPortError, err)).
				Component("transport").
				Category(errors.CategoryNetwork).
				Context("group", group).
				Build()
		}
	}
	_ = pc.SetMulticastLoopback(true)
	return c.(*net.UDPConn), nil
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
