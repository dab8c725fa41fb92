package fun

import (
	"github.com/pkg/errors"

	"github.com/Sogdian/arbitragePerp/internal/config"
	"github.com/Sogdian/arbitragePerp/internal/models"
)

// BuildPlan раскладывает одну выплату по server-time. Ошибка — слишком
// поздний запуск или бессмысленные тайминги из окружения.
func BuildPlan(symbol string, p Params, fi models.FundingInfo, opt config.Options, nowServerMS int64) (*models.TradePlan, error) {
	payout := fi.NextFundingTimeMS
	if payout <= 0 {
		return nil, errors.New("plan: no next funding time")
	}
	if nowServerMS > payout+opt.LateTolMS {
		return nil, errors.Errorf("plan: запущено слишком поздно: сейчас %d, выплата %d (+%dms tolerance)",
			nowServerMS, payout, opt.LateTolMS)
	}

	plan := &models.TradePlan{
		Symbol:         symbol,
		FundingPct:     p.FundingPct,
		PayoutServerMS: payout,
		FixServerMS:    payout - opt.WSFixLeadMS,
		OpenServerMS:   payout - opt.OpenEarlyMS,
		CloseServerMS:  payout + int64(opt.FastCloseDelaySec*1000),
		PositionIdx:    models.PositionIdxOneWay,
	}
	if plan.OpenServerMS >= plan.PayoutServerMS || plan.CloseServerMS <= plan.PayoutServerMS {
		return nil, errors.Errorf("plan: кривой тайминг: open=%d payout=%d close=%d",
			plan.OpenServerMS, plan.PayoutServerMS, plan.CloseServerMS)
	}
	return plan, nil
}

// PrepServerMS — момент preflight: за FastPrepLeadSec до выплаты.
func PrepServerMS(plan *models.TradePlan, opt config.Options) int64 {
	return plan.PayoutServerMS - int64(opt.FastPrepLeadSec*1000)
}
