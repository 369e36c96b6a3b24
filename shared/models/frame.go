package models

// Frame events sent from client to server
const (
	EventLogin       = "login"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// Frame is a client-to-server command on the feed socket
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// LoginData carries the feed API key
type LoginData struct {
	APIKey string `json:"apiKey"`
}

// TickerData carries either a single ticker or a list of tickers
type TickerData struct {
	Ticker any `json:"ticker"`
}

// LoginFrame builds the authentication frame
func LoginFrame(apiKey string) Frame {
	return Frame{Event: EventLogin, Data: LoginData{APIKey: apiKey}}
}

// SubscribeFrame builds a subscribe frame. One ticker is sent as a string,
// several as an array.
func SubscribeFrame(tickers ...string) Frame {
	if len(tickers) == 1 {
		return Frame{Event: EventSubscribe, Data: TickerData{Ticker: tickers[0]}}
	}
	list := make([]string, len(tickers))
	copy(list, tickers)
	return Frame{Event: EventSubscribe, Data: TickerData{Ticker: list}}
}

// UnsubscribeFrame builds an unsubscribe frame for a single ticker
func UnsubscribeFrame(ticker string) Frame {
	return Frame{Event: EventUnsubscribe, Data: TickerData{Ticker: ticker}}
}
