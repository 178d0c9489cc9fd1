// Package mqtt connects Legion to the MQTT broker the demo devices
// listen on and publishes their commands.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Brokers are reached over
// plain TCP, TLS, or websockets; AWS IoT Core endpoints additionally
// need a client certificate and key. When an availability topic is
// configured the client publishes a retained "online" birth message on
// every (re-)connect, and a will message flips it to "offline" on
// unexpected disconnects.
package mqtt
