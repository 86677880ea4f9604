package kraken

// WebSocket subscription messages per the venue's v1 protocol.

type WSSubscription struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

type WSMessage struct {
	Event        string         `json:"event"`
	Pair         []string       `json:"pair,omitempty"`
	Subscription WSSubscription `json:"subscription"`
	ReqID        int64          `json:"reqid,omitempty"`
}

func NewSubscribeMessage(pairs []string, sub WSSubscription) WSMessage {
	return WSMessage{Event: "subscribe", Pair: pairs, Subscription: sub}
}

func NewUnsubscribeMessage(pairs []string, sub WSSubscription) WSMessage {
	return WSMessage{Event: "unsubscribe", Pair: pairs, Subscription: sub}
}
