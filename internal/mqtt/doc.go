// Package mqtt connects the bridge to the MQTT broker shared with the
// TV and Home Assistant, and implements [bus.Bus] on top of it.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the bridge
// availability topic and re-subscribes every registered topic filter; a
// will message flips availability to "offline" on unexpected
// disconnects.
//
// Inbound publishes are dispatched on Paho's receive goroutine to every
// handler whose filter matches, in delivery order, so handlers observe
// each topic's messages in the order the broker sent them. Commands are
// published at QoS 0, which never waits for an acknowledgement and is
// therefore safe to call from inside a handler.
package mqtt
