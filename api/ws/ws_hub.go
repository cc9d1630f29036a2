package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/propagate"
)

// Stream names a client can subscribe to. Each is backed by one feed
// from the propagation layer; the hub cannot tell which strategy is
// behind a feed and neither can the client.
const (
	StreamPixels = "pixels"
	StreamChat   = "chat"
	StreamRound  = "round"
)

type subscription struct {
	client *Client
	stream string
}

type broadcast struct {
	stream string
	data   []byte
}

// Hub maintains the set of active clients and fans feed events out to
// the clients subscribed to each stream. All maps are owned by the Run
// goroutine; feed callbacks cross over through BroadcastCh.
type Hub struct {
	feeds map[string]propagate.Feed

	OpenCh        chan *Client
	CloseCh       chan *Client
	SubscribeCh   chan subscription
	UnsubscribeCh chan subscription
	BroadcastCh   chan broadcast

	addressToClients map[string]map[*Client]struct{}
	streamToClients  map[string]map[*Client]struct{}
	streamToHandle   map[string]propagate.Handle
}

// NewHub wires one feed per stream. The feeds decide the transport
// strategy (push, poll or clock-derived).
func NewHub(pixelFeed, chatFeed, roundFeed propagate.Feed) *Hub {
	return &Hub{
		feeds: map[string]propagate.Feed{
			StreamPixels: pixelFeed,
			StreamChat:   chatFeed,
			StreamRound:  roundFeed,
		},
		OpenCh:           make(chan *Client, 256),
		CloseCh:          make(chan *Client, 256),
		SubscribeCh:      make(chan subscription, 1024),
		UnsubscribeCh:    make(chan subscription, 1024),
		BroadcastCh:      make(chan broadcast, 4096),
		addressToClients: make(map[string]map[*Client]struct{}),
		streamToClients:  make(map[string]map[*Client]struct{}),
		streamToHandle:   make(map[string]propagate.Handle),
	}
}

const maxConnectionsPerAddress = 3

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.OpenCh:
			addr := client.session.NetworkAddress
			if _, ok := h.addressToClients[addr]; !ok {
				h.addressToClients[addr] = make(map[*Client]struct{})
			}

			if len(h.addressToClients[addr]) >= maxConnectionsPerAddress {
				log.Warn().Str("address", addr).Int("max", maxConnectionsPerAddress).Msg("connection limit reached")
				close(client.Send)
				continue
			}

			h.addressToClients[addr][client] = struct{}{}

		case client := <-h.CloseCh:
			for stream := range client.subscribedStreams {
				h.dropFromStream(client, stream)
			}
			addr := client.session.NetworkAddress
			delete(h.addressToClients[addr], client)
			if len(h.addressToClients[addr]) == 0 {
				delete(h.addressToClients, addr)
			}

		case sub := <-h.SubscribeCh:
			feed, ok := h.feeds[sub.stream]
			if !ok {
				continue
			}
			if h.streamToClients[sub.stream] == nil {
				stream := sub.stream
				handle, err := feed.Subscribe(func(event propagate.Event) {
					h.BroadcastCh <- broadcast{stream: stream, data: event.Marshal()}
				})
				if err != nil {
					log.Error().Err(err).Str("stream", stream).Msg("feed subscribe failed")
					continue
				}
				h.streamToClients[stream] = make(map[*Client]struct{})
				h.streamToHandle[stream] = handle
			}
			h.streamToClients[sub.stream][sub.client] = struct{}{}
			sub.client.subscribedStreams[sub.stream] = struct{}{}

		case unsub := <-h.UnsubscribeCh:
			delete(unsub.client.subscribedStreams, unsub.stream)
			h.dropFromStream(unsub.client, unsub.stream)

		case msg := <-h.BroadcastCh:
			for client := range h.streamToClients[msg.stream] {
				select {
				case client.Send <- msg.data:
				default:
					// Slow consumer, drop the frame rather than block
					// every other subscriber on the stream
				}
			}
		}
	}
}

func (h *Hub) dropFromStream(client *Client, stream string) {
	delete(h.streamToClients[stream], client)
	if len(h.streamToClients[stream]) == 0 {
		if handle, ok := h.streamToHandle[stream]; ok {
			h.feeds[stream].Unsubscribe(handle)
			delete(h.streamToHandle, stream)
		}
		delete(h.streamToClients, stream)
	}
}
