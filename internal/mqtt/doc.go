// Package mqtt connects meshview to the message broker. A [Client] owns
// one broker link: it subscribes to a single topic filter on every
// (re-)connect and hands inbound messages to a [MessageHandler]. The
// dashboard and sniffer links are two Clients with different filters
// and handlers.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. A
// lost connection flips the link to disconnected and autopaho retries
// at a fixed interval, with no growth and no retry cap, until the broker
// is reachable again or the context is cancelled.
//
// A [Publisher] is a Client without a subscription, used by the pcap
// sniffer to feed decoded traffic into the broker.
package mqtt
