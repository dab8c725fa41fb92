package models

import "time"

// Instrument — фильтры инструмента с /v5/market/instruments-info.
// Шаги храним строками, чтобы не потерять точность на float (важно при
// форматировании цены/количества для биржи).
type Instrument struct {
	Symbol      string
	TickSize    string // например "0.0001"
	QtyStep     string // например "0.01"
	MinQty      string
	MinNotional string
	HedgeMode   bool
}

// BookSnapshot — последнее состояние рынка из public WS.
// Свежесть считается при чтении: now - ReceivedAt.
type BookSnapshot struct {
	BestBid     float64
	BestAsk     float64
	LastTrade   float64
	LastTicker  float64
	FundingRate float64 // из tickers, 0 если ещё не приходил
	ReceivedAt  time.Time
}

// RefPrice — цена для admission-проверки: min(last_trade, best_bid).
// Если сделок ещё не было, берём lastPrice из tickers.
func (s BookSnapshot) RefPrice() float64 {
	last := s.LastTrade
	if last <= 0 {
		last = s.LastTicker
	}
	if last <= 0 {
		return s.BestBid
	}
	if s.BestBid > 0 && s.BestBid < last {
		return s.BestBid
	}
	return last
}

// FundingInfo — ставка и время следующей выплаты.
type FundingInfo struct {
	Rate              float64 // десятичная доля, -0.005 = -0.5%
	NextFundingTimeMS int64   // server epoch ms
}
