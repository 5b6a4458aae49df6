// Package wol sends Wake-on-LAN magic packets.
package wol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/mdlayher/wol"
)

// BroadcastAddress is used when no target IP is configured.
const BroadcastAddress = "255.255.255.255"

// DefaultPort is the conventional discard port magic packets go to.
const DefaultPort = 9

// packetClient is the subset of [wol.Client] the sender uses.
type packetClient interface {
	Wake(addr string, target net.HardwareAddr) error
	Close() error
}

// Sender transmits magic packets over UDP. It implements bus.Waker.
type Sender struct {
	port   int
	logger *slog.Logger

	mu        sync.Mutex
	newClient func() (packetClient, error)
}

// NewSender returns a Sender that targets the given UDP port. A zero
// port means [DefaultPort].
func NewSender(port int, logger *slog.Logger) *Sender {
	if port == 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		port:   port,
		logger: logger,
		newClient: func() (packetClient, error) {
			return wol.NewClient()
		},
	}
}

// Wake sends a magic packet for mac to addr on the sender's port. An
// empty addr broadcasts.
func (s *Sender) Wake(ctx context.Context, mac net.HardwareAddr, addr string) error {
	if len(mac) != 6 {
		return fmt.Errorf("wake %s: magic packets need a 48-bit MAC", mac)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if addr == "" {
		addr = BroadcastAddress
	}
	target := net.JoinHostPort(addr, strconv.Itoa(s.port))

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.newClient()
	if err != nil {
		return fmt.Errorf("open wol socket: %w", err)
	}
	defer c.Close()

	if err := c.Wake(target, mac); err != nil {
		return fmt.Errorf("wake %s via %s: %w", mac, target, err)
	}
	s.logger.Debug("magic packet sent", "mac", mac.String(), "target", target)
	return nil
}
