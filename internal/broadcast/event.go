package broadcast

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventBidPlaced        EventType = "bid_placed"
	EventOutbid           EventType = "outbid"
	EventAuctionExtended  EventType = "auction_extended"
	EventAuctionStarted   EventType = "auction_started"
	EventAuctionEnded     EventType = "auction_ended"
	EventAuctionCancelled EventType = "auction_cancelled"
)

// AllTopic receives every auction event.
const AllTopic = "all"

func AuctionTopic(auctionID string) string { return "auction:" + auctionID }

func UserTopic(userID string) string { return "user:" + userID }

// Event is the unit of fan-out. Data is kept as raw JSON so an event looks
// the same whether it was delivered in process or relayed through Redis.
type Event struct {
	Type      EventType       `json:"event"`
	AuctionID string          `json:"auction_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// NewEvent marshals payload into the event body.
func NewEvent(t EventType, auctionID string, payload any, at time.Time) (Event, error) {
	evt := Event{Type: t, AuctionID: auctionID, At: at.UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		evt.Data = raw
	}
	return evt, nil
}

type Callback func(Event)

// Publisher is what the bidding engine depends on.
type Publisher interface {
	Publish(topic string, evt Event)
}

// Bus is a full publish/subscribe implementation with a lifecycle.
type Bus interface {
	Publisher
	Subscribe(topic string, cb Callback) (unsubscribe func())
	Close()
}
