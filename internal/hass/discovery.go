package hass

import (
	"strings"

	"github.com/nugget/hisense-bridge/internal/buildinfo"
	"github.com/nugget/hisense-bridge/internal/tv"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// both switches of one TV, so HA groups them under a single device page.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SWVersion    string      `json:"sw_version,omitempty"`
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SwitchConfig is the JSON payload for an HA MQTT switch discovery
// message. It is published retained.
type SwitchConfig struct {
	Name             string         `json:"name"`
	UniqueID         string         `json:"unique_id"`
	ObjectID         string         `json:"object_id,omitempty"`
	CommandTopic     string         `json:"command_topic"`
	StateTopic       string         `json:"state_topic"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode"`
	PayloadOn        string         `json:"payload_on"`
	PayloadOff       string         `json:"payload_off"`
	Optimistic       bool           `json:"optimistic"`
	Icon             string         `json:"icon,omitempty"`
	Device           DeviceInfo     `json:"device"`
}

// Payloads shared by state and command topics.
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// NewDeviceInfo builds the device block for a TV. The TV's unique ID is
// the primary identifier and its MAC is registered as a network
// connection so HA can merge it with other integrations that see the
// same set.
func NewDeviceInfo(id tv.Identity) DeviceInfo {
	d := DeviceInfo{
		Identifiers:  []string{id.UniqueID},
		Name:         id.Name,
		Manufacturer: "Hisense",
		Model:        "RemoteNOW TV",
		SWVersion:    buildinfo.SoftwareVersion(),
	}
	if len(id.MAC) > 0 {
		d.Connections = [][2]string{{"mac", id.MAC.String()}}
	}
	return d
}

// topics is the set of bridge-owned topics for one entity.
type topics struct {
	state        string
	availability string
	command      string
	discovery    string
}

func (a *Adapter) entityTopics(deviceUID, entityUID string) topics {
	base := a.cfg.BaseTopic + "/" + sanitize(entityUID)
	return topics{
		state:        base + "/state",
		availability: base + "/availability",
		command:      base + "/set",
		discovery:    a.cfg.DiscoveryPrefix + "/switch/" + sanitize(deviceUID) + "/" + sanitize(entityUID) + "/config",
	}
}

// sanitize maps an ID onto the characters HA accepts in discovery topic
// levels: lowercase letters, digits, underscore and hyphen.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func boolPayload(on bool) string {
	if on {
		return PayloadOn
	}
	return PayloadOff
}

func availabilityPayload(available bool) string {
	if available {
		return "online"
	}
	return "offline"
}
