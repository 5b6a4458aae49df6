// Package tv reconciles the asynchronous, possibly retained and possibly
// malformed notifications a Hisense TV publishes into the logical on/off
// state of two switches: the TV's power and its game-mode picture
// setting.
//
// Neither switch ever updates its state optimistically when a command is
// issued. The TV's own notifications are the only source of truth, so a
// command the TV ignores leaves the reported state untouched.
package tv

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/nugget/hisense-bridge/internal/topic"
)

// Identity describes one TV. It is immutable after construction and
// shared read-only by both switches.
type Identity struct {
	Name string
	MAC  net.HardwareAddr
	// Address is the IP address or broadcast address magic packets are
	// sent to.
	Address string
	// InNamespace and OutNamespace prefix the TV's broadcast and
	// client-addressed topic trees.
	InNamespace  string
	OutNamespace string
	// ClientID is the remote client name the TV addresses replies to.
	ClientID string
	UniqueID string
}

// NewIdentity validates and assembles an Identity. An empty uniqueID is
// derived from the MAC address.
func NewIdentity(name, mac, address, in, out, clientID, uniqueID string) (Identity, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return Identity{}, fmt.Errorf("tv %q: %w", name, err)
	}
	if uniqueID == "" {
		uniqueID = strings.ReplaceAll(hw.String(), ":", "")
	}
	return Identity{
		Name:         name,
		MAC:          hw,
		Address:      address,
		InNamespace:  in,
		OutNamespace: out,
		ClientID:     clientID,
		UniqueID:     uniqueID,
	}, nil
}

// Topics returns the topic router for this TV.
func (id Identity) Topics() topic.Router {
	return topic.NewRouter(id.InNamespace, id.OutNamespace, id.ClientID)
}

// Kind distinguishes the two switch variants.
type Kind string

const (
	KindPower    Kind = "power"
	KindGameMode Kind = "game_mode"
)

// Snapshot is the observable state of a switch at one instant.
type Snapshot struct {
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	On        bool   `json:"on"`
	Available bool   `json:"available"`
	Icon      string `json:"icon"`
}

// Notifier receives state-change notifications. force is set when the
// host should re-render even if On is unchanged, because availability may
// have moved. It is called without any switch lock held.
type Notifier interface {
	StateChanged(ctx context.Context, s Snapshot, force bool)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, s Snapshot, force bool)

// StateChanged implements [Notifier].
func (f NotifierFunc) StateChanged(ctx context.Context, s Snapshot, force bool) {
	f(ctx, s, force)
}

// Controllable is the host-facing surface of a switch.
type Controllable interface {
	State() Snapshot
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}
