package exchange

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/models"
)

type baseResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

// ServerTimeMS — /v5/market/time. Предпочитаем timeNano: он точнее секунд.
func (c *Client) ServerTimeMS(ctx context.Context) (int64, error) {
	var resp struct {
		baseResponse
		Result struct {
			TimeSecond string `json:"timeSecond"`
			TimeNano   string `json:"timeNano"`
		} `json:"result"`
	}
	if err := c.getPublic(ctx, "/v5/market/time", nil, &resp); err != nil {
		return 0, errors.Wrap(err, "server time")
	}
	if resp.RetCode != 0 {
		return 0, errors.Errorf("server time: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	if ns, err := strconv.ParseInt(resp.Result.TimeNano, 10, 64); err == nil && ns > 0 {
		return ns / 1_000_000, nil
	}
	if sec, err := strconv.ParseInt(resp.Result.TimeSecond, 10, 64); err == nil && sec > 0 {
		return sec * 1000, nil
	}
	return 0, errors.New("server time: empty result")
}

// TickerItem — сырой элемент /v5/market/tickers.
type TickerItem struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *Client) tickers(ctx context.Context, symbol string) ([]TickerItem, error) {
	params := url.Values{"category": {categoryLinear}}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp struct {
		baseResponse
		Result struct {
			List []TickerItem `json:"list"`
		} `json:"result"`
	}
	if err := c.getPublic(ctx, "/v5/market/tickers", params, &resp); err != nil {
		return nil, errors.Wrap(err, "tickers")
	}
	if resp.RetCode != 0 {
		return nil, errors.Errorf("tickers: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	return resp.Result.List, nil
}

// Ticker — тикер одного символа.
func (c *Client) Ticker(ctx context.Context, symbol string) (*TickerItem, error) {
	items, err := c.tickers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Errorf("ticker: %s not found", symbol)
	}
	return &items[0], nil
}

// AllTickers — все linear-тикеры одним запросом (для сканера фандингов).
func (c *Client) AllTickers(ctx context.Context) ([]TickerItem, error) {
	return c.tickers(ctx, "")
}

// Last — lastPrice тикера как float.
func (t *TickerItem) Last() float64 {
	v, _ := strconv.ParseFloat(t.LastPrice, 64)
	return v
}

// Funding — ставка и время следующей выплаты из тикера.
func (t *TickerItem) Funding() (models.FundingInfo, error) {
	rate, err := strconv.ParseFloat(t.FundingRate, 64)
	if err != nil {
		return models.FundingInfo{}, errors.Errorf("funding rate %q: not a number", t.FundingRate)
	}
	next, err := strconv.ParseInt(t.NextFundingTime, 10, 64)
	if err != nil || next <= 0 {
		return models.FundingInfo{}, errors.Errorf("next funding time %q: bad value", t.NextFundingTime)
	}
	return models.FundingInfo{Rate: rate, NextFundingTimeMS: next}, nil
}

// InstrumentInfo — фильтры инструмента. Шаги оставляем строками.
func (c *Client) InstrumentInfo(ctx context.Context, symbol string) (models.Instrument, error) {
	params := url.Values{"category": {categoryLinear}, "symbol": {symbol}}
	var resp struct {
		baseResponse
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep          string `json:"qtyStep"`
					MinOrderQty      string `json:"minOrderQty"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := c.getPublic(ctx, "/v5/market/instruments-info", params, &resp); err != nil {
		return models.Instrument{}, errors.Wrap(err, "instruments-info")
	}
	if resp.RetCode != 0 {
		return models.Instrument{}, errors.Errorf("instruments-info: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return models.Instrument{}, errors.Errorf("instruments-info: %s not found", symbol)
	}
	it := resp.Result.List[0]
	return models.Instrument{
		Symbol:      it.Symbol,
		TickSize:    it.PriceFilter.TickSize,
		QtyStep:     it.LotSizeFilter.QtyStep,
		MinQty:      it.LotSizeFilter.MinOrderQty,
		MinNotional: it.LotSizeFilter.MinNotionalValue,
	}, nil
}

// Orderbook — стакан для preflight-проверки ликвидности.
func (c *Client) Orderbook(ctx context.Context, symbol string, limit int) (bids, asks [][2]string, err error) {
	params := url.Values{
		"category": {categoryLinear},
		"symbol":   {symbol},
		"limit":    {strconv.Itoa(limit)},
	}
	var resp struct {
		baseResponse
		Result struct {
			B [][2]string `json:"b"`
			A [][2]string `json:"a"`
		} `json:"result"`
	}
	if err := c.getPublic(ctx, "/v5/market/orderbook", params, &resp); err != nil {
		return nil, nil, errors.Wrap(err, "orderbook")
	}
	if resp.RetCode != 0 {
		return nil, nil, errors.Errorf("orderbook: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	return resp.Result.B, resp.Result.A, nil
}
