// Package besteffort implements the connectionless transfer protocol: a text
// handshake datagram, an unacknowledged stream of raw chunk datagrams and a
// repeated end marker. Nothing is retransmitted and nothing is verified.
package besteffort

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

const (
	handshakePrefix = "HANDSHAKE:"
	endMarker       = "END_OF_FILE"

	// maxDatagram is the receive buffer size, the largest UDP payload.
	maxDatagram = transfer.MaxUDPChunkSize
)

// Timings are the delays and timeouts of the protocol.
type Timings struct {
	SettleDelay      time.Duration // after the handshake, before the first chunk
	InterChunkDelay  time.Duration
	ProgressInterval time.Duration
	EndMarkerRepeats int
	EndMarkerSpacing time.Duration
	HandshakeTimeout time.Duration // receiver wait for the first datagram
	PacketTimeout    time.Duration // receiver wait between datagrams
}

// DefaultTimings returns the standard protocol timings.
func DefaultTimings() Timings {
	return Timings{
		SettleDelay:      100 * time.Millisecond,
		InterChunkDelay:  time.Millisecond,
		ProgressInterval: 100 * time.Millisecond,
		EndMarkerRepeats: 5,
		EndMarkerSpacing: 10 * time.Millisecond,
		HandshakeTimeout: 60 * time.Second,
		PacketTimeout:    10 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.SettleDelay == 0 {
		t.SettleDelay = d.SettleDelay
	}
	if t.InterChunkDelay == 0 {
		t.InterChunkDelay = d.InterChunkDelay
	}
	if t.ProgressInterval == 0 {
		t.ProgressInterval = d.ProgressInterval
	}
	if t.EndMarkerRepeats == 0 {
		t.EndMarkerRepeats = d.EndMarkerRepeats
	}
	if t.EndMarkerSpacing == 0 {
		t.EndMarkerSpacing = d.EndMarkerSpacing
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = d.HandshakeTimeout
	}
	if t.PacketTimeout == 0 {
		t.PacketTimeout = d.PacketTimeout
	}
	return t
}

// FormatHandshake renders the handshake datagram.
func FormatHandshake(name string, size uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", handshakePrefix, name, size))
}

// ParseHandshake recovers name and size from a handshake datagram. The size is
// taken after the last colon, so names may contain colons.
func ParseHandshake(b []byte) (string, uint64, bool) {
	s := string(b)
	if !strings.HasPrefix(s, handshakePrefix) {
		return "", 0, false
	}
	rest := s[len(handshakePrefix):]
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", 0, false
	}
	size, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], size, true
}

// IsEndMarker reports whether a datagram is exactly the end marker.
func IsEndMarker(b []byte) bool {
	return bytes.Equal(b, []byte(endMarker))
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Listen binds a UDP socket on addr for a receiver.
func Listen(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, transfer.NewNetworkError("resolve failed", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, transfer.NewNetworkError("bind failed", addr, err)
	}
	return conn, nil
}
