package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestClosedEnumsRejectUnknownValues(t *testing.T) {
	for _, raw := range []string{"admin", "manager", "barista"} {
		role, ok := ParseRole(raw)
		require.True(t, ok, raw)
		require.Equal(t, raw, string(role))
	}
	_, ok := ParseRole("owner")
	require.False(t, ok)
	require.True(t, RoleManager.CanManage())
	require.False(t, RoleBarista.CanManage())

	for _, raw := range []string{"sale", "purchase", "adjustment", "transfer-in", "transfer-out"} {
		_, ok := ParseMovementType(raw)
		require.True(t, ok, raw)
	}
	_, ok = ParseMovementType("waste")
	require.False(t, ok)

	_, ok = ParseAlertType("out_of_stock")
	require.True(t, ok)
	_, ok = ParseAlertType("expired")
	require.False(t, ok)

	require.True(t, DeductionPartiallyDeducted.Valid())
	require.False(t, DeductionStatus("pending").Valid())
	require.True(t, LineSkippedNoStockRecord.Valid())
	require.False(t, LineStatus("skipped").Valid())
}

func TestOrderLinesFollowItems(t *testing.T) {
	order := Order{Items: []OrderItem{
		{ProductID: "latte", Quantity: 2},
		{ProductID: "americano", Quantity: 1},
	}}
	require.Equal(t, []OrderLine{
		{ProductID: "latte", Quantity: 2},
		{ProductID: "americano", Quantity: 1},
	}, order.Lines())
}

func TestSnapshotReportRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)
	report := DeductionReport{
		OrderID:     "ord-1",
		Success:     true,
		Status:      DeductionFullyDeducted,
		CostOfGoods: decimal.RequireFromString("0.77"),
		GrossProfit: decimal.RequireFromString("3.73"),
		Warnings:    []string{},
		Errors:      []string{},
		DeductedAt:  at,
	}

	rebuilt := report.Snapshot().Report("ord-1")
	require.Equal(t, report.Status, rebuilt.Status)
	require.True(t, rebuilt.Success)
	require.True(t, rebuilt.CostOfGoods.Equal(report.CostOfGoods))
	require.Equal(t, at, rebuilt.DeductedAt)

	partial := report
	partial.Status = DeductionPartiallyDeducted
	require.False(t, partial.Snapshot().Report("ord-1").Success)
}
