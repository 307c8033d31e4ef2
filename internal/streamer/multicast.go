package streamer

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// MulticastTTL keeps datagrams on the local network segment.
const MulticastTTL = 1

// MulticastStreamer sends one datagram per sample: NumRows little-endian float64.
type MulticastStreamer struct {
	spec string
	addr *net.UDPAddr

	mu     sync.Mutex
	conn   *net.UDPConn
	record []byte
}

func newMulticastStreamer(spec string, addr *net.UDPAddr) *MulticastStreamer {
	return &MulticastStreamer{spec: spec, addr: addr}
}

func (s *MulticastStreamer) Spec() string { return s.spec }
func (s *MulticastStreamer) Kind() string { return schemeMulticast }

// Addr returns the destination group.
func (s *MulticastStreamer) Addr() *net.UDPAddr { return s.addr }

func (s *MulticastStreamer) Init(context.Context) error {
	conn, err := net.DialUDP("udp4", nil, s.addr)
	if err != nil {
		return errors.New(errors.Join(errcode.InvalidArguments, err)).
			Component("streamer").
			Category(errors.CategoryNetwork).
			Context("addr", s.addr.String()).
			Build()
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(MulticastTTL); err != nil {
		conn.Close()
		return errors.New(err).Component("streamer").Category(errors.CategoryNetwork).Build()
	}
	// Loopback lets a streaming board on the same host receive the group.
	_ = pc.SetMulticastLoopback(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	return nil
}

// EncodeRecord appends the wire form of sample to b.
func EncodeRecord(b []byte, sample []float64) []byte {
	for _, v := range sample {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

// DecodeRecord parses a datagram produced by EncodeRecord.
func DecodeRecord(b []byte) ([]float64, bool) {
	if len(b) == 0 || len(b)%8 != 0 {
		return nil, false
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, true
}

func (s *MulticastStreamer) Stream(sample []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	s.record = EncodeRecord(s.record[:0], sample)
	_, err := s.conn.Write(s.record)
	return err
}

func (s *MulticastStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
