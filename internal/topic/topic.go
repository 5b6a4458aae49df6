// Package topic builds fully-qualified MQTT topics for a Hisense TV from
// its inbound/outbound namespaces and a relative path template.
//
// The TV's remote-app protocol splits its topic tree in two: broadcast
// notifications it emits ("in") and the command/response tree addressed
// to a named remote client ("out"). Templates may contain a single %s
// verb, which is replaced with that client name.
package topic

import "strings"

// Relative paths used by the bridge. Templates containing %s are
// addressed to the configured client ID.
const (
	PathTVSleep              = "/remoteapp/mobile/broadcast/platform_service/actions/tvsleep"
	PathUIState              = "/remoteapp/mobile/broadcast/ui_service/state"
	PathVolumeChange         = "/remoteapp/mobile/broadcast/platform_service/actions/volumechange"
	PathSourceList           = "/remoteapp/mobile/%s/ui_service/data/sourcelist"
	PathPictureSettingData   = "/remoteapp/mobile/broadcast/platform_service/data/picturesetting"
	PathSendKey              = "/remoteapp/tv/remote_service/%s/actions/sendkey"
	PathPictureSettingAction = "/remoteapp/tv/platform_service/%s/actions/picturesetting"
)

// DefaultClientID is the remote client name the TV addresses replies to
// when none is configured.
const DefaultClientID = "HomeAssistant"

// Router qualifies relative path templates. The zero value is usable but
// produces bare relative paths.
type Router struct {
	In       string
	Out      string
	ClientID string
}

// NewRouter returns a Router for the given namespaces. An empty clientID
// falls back to [DefaultClientID].
func NewRouter(in, out, clientID string) Router {
	if clientID == "" {
		clientID = DefaultClientID
	}
	return Router{In: in, Out: out, ClientID: clientID}
}

// InTopic returns the inbound-namespace topic for rel.
func (r Router) InTopic(rel string) string {
	return r.In + r.expand(rel)
}

// OutTopic returns the outbound-namespace topic for rel.
func (r Router) OutTopic(rel string) string {
	return r.Out + r.expand(rel)
}

// expand substitutes the client ID for every %s. Any other verb is a
// programming error in a path constant.
func (r Router) expand(rel string) string {
	rest := strings.ReplaceAll(rel, "%s", "")
	if strings.Contains(rest, "%") {
		panic("topic: unsupported verb in path template " + rel)
	}
	return strings.ReplaceAll(rel, "%s", r.ClientID)
}

// Match reports whether topic matches the MQTT topic filter, honouring
// the single-level (+) and multi-level (#) wildcards.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
