package exchange

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/models"
)

// AvailableUSDT — доступный баланс деривативного кошелька.
// Пробуем UNIFIED, затем CONTRACT (какой тип у аккаунта — заранее не знаем).
func (c *Client) AvailableUSDT(ctx context.Context) (float64, error) {
	for _, accountType := range []string{"UNIFIED", "CONTRACT"} {
		params := url.Values{"accountType": {accountType}, "coin": {"USDT"}}
		var resp struct {
			baseResponse
			Result struct {
				List []struct {
					Coin []struct {
						Coin                string `json:"coin"`
						AvailableToWithdraw string `json:"availableToWithdraw"`
						AvailableBalance    string `json:"availableBalance"`
						WalletBalance       string `json:"walletBalance"`
						Equity              string `json:"equity"`
					} `json:"coin"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := c.getPrivate(ctx, "/v5/account/wallet-balance", params, &resp); err != nil {
			continue
		}
		if resp.RetCode != 0 {
			continue
		}
		for _, acc := range resp.Result.List {
			for _, coin := range acc.Coin {
				if coin.Coin != "USDT" {
					continue
				}
				for _, raw := range []string{coin.AvailableToWithdraw, coin.AvailableBalance, coin.WalletBalance, coin.Equity} {
					if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
						return v, nil
					}
				}
			}
		}
	}
	return 0, errors.New("wallet-balance: no USDT balance found")
}

// ShortPositionQty — текущий размер шорта по символу (one-way и hedge).
func (c *Client) ShortPositionQty(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"category": {categoryLinear}, "symbol": {symbol}}
	var resp struct {
		baseResponse
		Result struct {
			List []struct {
				Side string `json:"side"`
				Size string `json:"size"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := c.getPrivate(ctx, "/v5/position/list", params, &resp); err != nil {
		return 0, errors.Wrap(err, "position list")
	}
	if resp.RetCode != 0 {
		return 0, errors.Errorf("position list: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	var short float64
	for _, it := range resp.Result.List {
		sz, _ := strconv.ParseFloat(it.Size, 64)
		if sz > 0 && it.Side == "Sell" {
			short += sz
		}
	}
	return short, nil
}

// Executions — /v5/execution/list за окно [startMS, endMS]. Fallback для
// отчёта по PnL, когда private stream не поймал исполнения.
func (c *Client) Executions(ctx context.Context, symbol string, startMS, endMS int64) ([]models.ExecutionRecord, error) {
	params := url.Values{
		"category":  {categoryLinear},
		"symbol":    {symbol},
		"startTime": {strconv.FormatInt(max64(0, startMS), 10)},
		"endTime":   {strconv.FormatInt(max64(0, endMS), 10)},
		"limit":     {"200"},
	}
	var resp struct {
		baseResponse
		Result struct {
			List []struct {
				OrderID   string `json:"orderId"`
				Side      string `json:"side"`
				ExecQty   string `json:"execQty"`
				ExecPrice string `json:"execPrice"`
				ExecTime  string `json:"execTime"`
				ExecFee   string `json:"execFee"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := c.getPrivate(ctx, "/v5/execution/list", params, &resp); err != nil {
		return nil, errors.Wrap(err, "execution list")
	}
	if resp.RetCode != 0 {
		return nil, errors.Errorf("execution list: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	out := make([]models.ExecutionRecord, 0, len(resp.Result.List))
	for _, it := range resp.Result.List {
		qty, _ := strconv.ParseFloat(it.ExecQty, 64)
		px, _ := strconv.ParseFloat(it.ExecPrice, 64)
		ts, _ := strconv.ParseInt(it.ExecTime, 10, 64)
		fee, _ := strconv.ParseFloat(it.ExecFee, 64)
		if qty <= 0 || px <= 0 {
			continue
		}
		out = append(out, models.ExecutionRecord{
			OrderID:    it.OrderID,
			Symbol:     symbol,
			Side:       models.Side(it.Side),
			Qty:        qty,
			Price:      px,
			ExecTimeMS: ts,
			FeeUSDT:    fee,
		})
	}
	return out, nil
}

// SetLeverage — плечо leverage на обе стороны (preflight ставит 1x). Best-effort.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body, err := sonic.Marshal(map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return errors.Wrap(err, "set leverage marshal")
	}
	var resp baseResponse
	if err := c.postPrivate(ctx, "/v5/position/set-leverage", body, &resp); err != nil {
		return errors.Wrap(err, "set leverage")
	}
	// 110043 = leverage not modified: уже стоит нужное
	if resp.RetCode != 0 && resp.RetCode != 110043 {
		return errors.Errorf("set leverage: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	return nil
}

// SwitchIsolated — изолированная маржа с плечом 1x. Best-effort.
func (c *Client) SwitchIsolated(ctx context.Context, symbol string) error {
	body, err := sonic.Marshal(map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"tradeMode":    "1",
		"buyLeverage":  "1",
		"sellLeverage": "1",
	})
	if err != nil {
		return errors.Wrap(err, "switch isolated marshal")
	}
	var resp baseResponse
	if err := c.postPrivate(ctx, "/v5/position/switch-isolated", body, &resp); err != nil {
		return errors.Wrap(err, "switch isolated")
	}
	// 110026 = margin mode not modified
	if resp.RetCode != 0 && resp.RetCode != 110026 {
		return errors.Errorf("switch isolated: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	return nil
}

// CreateOrder — REST-путь создания Limit IOC (FUN_USE_TRADE_WS=0).
// Семантика повтора при несоответствии positionIdx та же, что у Trade WS.
func (c *Client) CreateOrder(ctx context.Context, draft models.OrderDraft, serverTSMS int64, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	orderID, retCode, retMsg, err := c.createOnce(ctx, draft)
	if err == nil {
		return orderID, nil
	}
	if models.IsPositionIdxMismatch(retCode, retMsg) {
		draft.PositionIdx = models.FlipPositionIdx(draft.PositionIdx)
		orderID, _, _, err = c.createOnce(ctx, draft)
		if err == nil {
			return orderID, nil
		}
	}
	return "", err
}

func (c *Client) createOnce(ctx context.Context, draft models.OrderDraft) (orderID string, retCode int, retMsg string, err error) {
	payload := map[string]interface{}{
		"category":    categoryLinear,
		"symbol":      draft.Symbol,
		"side":        string(draft.Side),
		"orderType":   "Limit",
		"qty":         draft.Qty,
		"price":       draft.Price,
		"timeInForce": "IOC",
		"positionIdx": draft.PositionIdx,
	}
	if draft.ReduceOnly {
		payload["reduceOnly"] = true
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return "", 0, "", errors.Wrap(err, "order create marshal")
	}
	var resp struct {
		baseResponse
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := c.postPrivate(ctx, "/v5/order/create", body, &resp); err != nil {
		return "", 0, "", errors.Wrap(err, "order create")
	}
	if resp.RetCode != 0 {
		return "", resp.RetCode, resp.RetMsg,
			errors.Errorf("order create: retCode=%d msg=%s", resp.RetCode, resp.RetMsg)
	}
	if resp.Result.OrderID == "" {
		return "", 0, "", errors.New("order create: empty orderId")
	}
	return resp.Result.OrderID, 0, "", nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
