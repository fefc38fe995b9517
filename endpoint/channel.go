package endpoint

import "github.com/coapcore/coap/channel"

// Datagram and Channel alias the channel package's contract so
// endpoint-internal code and concrete transports share the exact same
// types without the transports importing the façade.
type (
	Datagram = channel.Datagram
	Channel  = channel.Channel
)
