// Package receiver reads RTP packets from a UDP socket and
// forwards them to a depacketizer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"rtprec/pkg/log"

	"github.com/pion/rtp"
)

// DefaultMaxPacketSize 1500 (UDP MTU) - 20 (IP header) - 8 (UDP header).
const DefaultMaxPacketSize = 1472

// readBufferSize is large enough for any UDP datagram.
const readBufferSize = 65535

// PacketConsumer consumes RTP packets, implemented by rtph264.Depacketizer.
type PacketConsumer interface {
	ConsumePacket(pkt *rtp.Packet) error
}

// PayloadTooBigError .
type PayloadTooBigError struct {
	Size    int
	MaxSize int
}

func (e PayloadTooBigError) Error() string {
	return fmt.Sprintf("payload size (%d) greater than maximum allowed (%d)",
		e.Size, e.MaxSize)
}

// ErrWrongPayloadType packet payload type doesn't match the track.
var ErrWrongPayloadType = errors.New("wrong payload type")

// Config receiver config.
type Config struct {
	// Accept packets of this type only, 0 accepts any.
	PayloadType   uint8
	MaxPacketSize int
}

// Receiver reads RTP packets from a PacketConn.
type Receiver struct {
	conn     net.PacketConn
	consumer PacketConsumer
	logger   *log.Logger
	config   Config
}

// New returns a new Receiver. Run must be called to start it.
func New(conn net.PacketConn, consumer PacketConsumer, logger *log.Logger, config Config) *Receiver {
	if config.MaxPacketSize == 0 {
		config.MaxPacketSize = DefaultMaxPacketSize
	}
	return &Receiver{
		conn:     conn,
		consumer: consumer,
		logger:   logger,
		config:   config,
	}
}

// Listen opens a UDP socket on address and returns a Receiver reading from it.
func Listen(address string, consumer PacketConsumer, logger *log.Logger, config Config) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %v: %w", address, err)
	}
	return New(conn, consumer, logger, config), nil
}

// Addr returns the local address.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads packets until the context is canceled or the
// connection fails. The connection is closed on return.
func (r *Receiver) Run(ctx context.Context) error {
	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx2.Done()
		r.conn.Close()
	}()

	r.logger.Info().Src("receiver").Msgf("listening on %v", r.conn.LocalAddr())

	buf := make([]byte, readBufferSize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if err := r.processPacket(buf[:n]); err != nil {
			r.logger.Warn().Src("receiver").Msgf("%v", err)
		}
	}
}

func (r *Receiver) processPacket(byts []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(byts); err != nil {
		return fmt.Errorf("unmarshal RTP packet: %w", err)
	}

	// Padding is stripped from the payload by Unmarshal.
	pkt.Header.Padding = false
	pkt.PaddingSize = 0

	if size := pkt.MarshalSize(); size > r.config.MaxPacketSize {
		return PayloadTooBigError{Size: size, MaxSize: r.config.MaxPacketSize}
	}

	if r.config.PayloadType != 0 && pkt.PayloadType != r.config.PayloadType {
		return fmt.Errorf("%w: expected %d, got %d",
			ErrWrongPayloadType, r.config.PayloadType, pkt.PayloadType)
	}

	if err := r.consumer.ConsumePacket(&pkt); err != nil {
		return fmt.Errorf("consume packet %d: %w", pkt.SequenceNumber, err)
	}
	return nil
}

