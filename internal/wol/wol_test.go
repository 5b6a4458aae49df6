package wol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
)

type fakeClient struct {
	addr   string
	target net.HardwareAddr
	err    error
	closed bool
}

func (f *fakeClient) Wake(addr string, target net.HardwareAddr) error {
	f.addr = addr
	f.target = target
	return f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestSender(port int, fc *fakeClient) *Sender {
	s := NewSender(port, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.newClient = func() (packetClient, error) { return fc, nil }
	return s
}

func TestSender_Wake(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")

	tests := []struct {
		name     string
		port     int
		addr     string
		wantAddr string
	}{
		{"unicast", 0, "192.168.1.50", "192.168.1.50:9"},
		{"broadcast when empty", 0, "", "255.255.255.255:9"},
		{"custom port", 7, "10.0.0.2", "10.0.0.2:7"},
		{"ipv6", 0, "fe80::1", "[fe80::1]:9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{}
			s := newTestSender(tt.port, fc)
			if err := s.Wake(context.Background(), mac, tt.addr); err != nil {
				t.Fatalf("Wake() error = %v", err)
			}
			if fc.addr != tt.wantAddr {
				t.Errorf("target = %q, want %q", fc.addr, tt.wantAddr)
			}
			if fc.target.String() != mac.String() {
				t.Errorf("mac = %s, want %s", fc.target, mac)
			}
			if !fc.closed {
				t.Error("client was not closed")
			}
		})
	}
}

func TestSender_WakeErrors(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	ctx := context.Background()

	t.Run("short mac", func(t *testing.T) {
		s := newTestSender(0, &fakeClient{})
		if err := s.Wake(ctx, net.HardwareAddr{1, 2, 3}, ""); err == nil {
			t.Error("expected error for short MAC")
		}
	})

	t.Run("send failure", func(t *testing.T) {
		boom := errors.New("network unreachable")
		fc := &fakeClient{err: boom}
		s := newTestSender(0, fc)
		if err := s.Wake(ctx, mac, ""); !errors.Is(err, boom) {
			t.Errorf("Wake() error = %v, want %v", err, boom)
		}
		if !fc.closed {
			t.Error("client was not closed after failure")
		}
	})

	t.Run("socket failure", func(t *testing.T) {
		s := newTestSender(0, nil)
		s.newClient = func() (packetClient, error) { return nil, errors.New("permission denied") }
		if err := s.Wake(ctx, mac, ""); err == nil {
			t.Error("expected error when the socket cannot be opened")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		fc := &fakeClient{}
		s := newTestSender(0, fc)
		if err := s.Wake(cctx, mac, ""); !errors.Is(err, context.Canceled) {
			t.Errorf("Wake() error = %v, want context.Canceled", err)
		}
		if fc.addr != "" {
			t.Error("no packet should be sent after cancellation")
		}
	})
}
