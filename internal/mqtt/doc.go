// Package mqtt forwards the in-process activity feed to an MQTT broker
// so the assistant can be watched from outside the process.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects. Each [events.Event] is published to
// <prefix>/events/<source>/<kind>, and a retained stats document with
// today's counters is republished to <prefix>/stats on a fixed
// interval.
package mqtt
