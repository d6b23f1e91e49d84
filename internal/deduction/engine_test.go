package deduction

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"brewline/backend/internal/alert"
	"brewline/backend/internal/cache"
	"brewline/backend/internal/domain"
	"brewline/backend/internal/ledger"
	"brewline/backend/internal/recipe"
	"brewline/backend/internal/store"
	"brewline/backend/internal/store/memory"
)

const branch = "main"

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	t       *testing.T
	repo    *memory.Store
	recipes *recipe.Service
	ledger  *ledger.Service
	alerts  *alert.Service
	engine  *Engine
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	log := quietLogger()

	for _, m := range []domain.RawMaterial{
		{ID: "milk", Name: "Milk", Unit: "ml", UnitCost: dec("0.002"), MinStockLevel: 50},
		{ID: "coffee", Name: "Coffee", Unit: "g", UnitCost: dec("0.05"), MinStockLevel: 5},
		{ID: "syrup", Name: "Vanilla Syrup", Unit: "ml", UnitCost: dec("0.01")},
	} {
		_, err := repo.CreateRawMaterial(ctx, m)
		require.NoError(t, err)
	}
	for _, p := range []domain.Product{
		{ID: "latte", Name: "Latte", Price: dec("4.50")},
		{ID: "americano", Name: "Americano", Price: dec("3.00")},
		{ID: "vanilla-latte", Name: "Vanilla Latte", Price: dec("5.00")},
		{ID: "cookie", Name: "Cookie", Price: dec("2.00")},
	} {
		_, err := repo.CreateProduct(ctx, p)
		require.NoError(t, err)
	}

	recipes := recipe.NewService(repo, repo, cache.NoopRecipeCache{}, time.Minute, log)
	alerts := alert.NewService(repo, alert.NewLogNotifier(log), log)
	led := ledger.NewService(repo, repo, alerts, log)

	f := &fixture{t: t, repo: repo, recipes: recipes, ledger: led, alerts: alerts}
	f.recipe("latte", domain.RecipeLine{RawMaterialID: "milk", Quantity: 200, Unit: "ml"}, domain.RecipeLine{RawMaterialID: "coffee", Quantity: 18, Unit: "g"})
	f.recipe("americano", domain.RecipeLine{RawMaterialID: "coffee", Quantity: 18, Unit: "g"})
	f.recipe("vanilla-latte",
		domain.RecipeLine{RawMaterialID: "milk", Quantity: 0.18, Unit: "l"},
		domain.RecipeLine{RawMaterialID: "coffee", Quantity: 18, Unit: "g"},
		domain.RecipeLine{RawMaterialID: "syrup", Quantity: 20, Unit: "ml"},
	)
	f.engine = NewEngine(repo, recipes, led, repo, Options{Concurrency: 3, Logger: log})
	return f
}

func (f *fixture) recipe(productID string, lines ...domain.RecipeLine) {
	f.t.Helper()
	_, _, err := f.recipes.CreateVersion(context.Background(), productID, lines, "", "test")
	require.NoError(f.t, err)
}

func (f *fixture) stock(rawMaterialID string, qty float64) {
	f.t.Helper()
	_, err := f.ledger.Receive(context.Background(), branch, domain.StockReceiveRequest{RawMaterialID: rawMaterialID, Quantity: qty}, "test")
	require.NoError(f.t, err)
}

func (f *fixture) qty(rawMaterialID string) float64 {
	f.t.Helper()
	q, found, err := f.ledger.Read(context.Background(), branch, rawMaterialID)
	require.NoError(f.t, err)
	require.True(f.t, found)
	return q
}

func (f *fixture) movements(rawMaterialID string) []domain.StockMovement {
	f.t.Helper()
	history, err := f.ledger.Movements(context.Background(), branch, rawMaterialID, 100)
	require.NoError(f.t, err)
	return history
}

func (f *fixture) order(total string, lines ...domain.OrderLine) *domain.Order {
	f.t.Helper()
	items := make([]domain.OrderItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, domain.OrderItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	order, err := f.repo.CreateOrder(context.Background(), domain.Order{BranchID: branch, Items: items, TotalAmount: dec(total)})
	require.NoError(f.t, err)
	return order
}

func (f *fixture) deduct(order *domain.Order, addOns ...domain.AddOn) *domain.DeductionReport {
	f.t.Helper()
	report, err := f.engine.DeductForOrder(context.Background(), domain.DeductionRequest{
		OrderID: order.ID, BranchID: branch, Lines: order.Lines(), AddOns: addOns, Actor: "barista",
	})
	require.NoError(f.t, err)
	return report
}

func detail(t *testing.T, report *domain.DeductionReport, rawMaterialID string) domain.DeductionLineResult {
	t.Helper()
	for _, d := range report.DeductionDetails {
		if d.RawMaterialID == rawMaterialID {
			return d
		}
	}
	t.Fatalf("no detail for %s", rawMaterialID)
	return domain.DeductionLineResult{}
}

func TestLatteFullyDeducted(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	f.stock("coffee", 30)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report := f.deduct(order)

	require.True(t, report.Success)
	require.Equal(t, domain.DeductionFullyDeducted, report.Status)
	require.Equal(t, 300.0, f.qty("milk"))
	require.Equal(t, 12.0, f.qty("coffee"))
	require.True(t, dec("1.3").Equal(report.CostOfGoods), report.CostOfGoods.String())
	require.True(t, dec("3.2").Equal(report.GrossProfit), report.GrossProfit.String())
	require.Empty(t, report.Shortages)
	require.Empty(t, report.Warnings)
	require.Empty(t, report.Errors)

	milk := detail(t, report, "milk")
	require.Equal(t, domain.LineDeducted, milk.Status)
	require.Equal(t, 500.0, milk.PreviousQuantity)
	require.Equal(t, 300.0, milk.NewQuantity)
	require.NotEmpty(t, milk.MovementID)

	sale := f.movements("milk")[0]
	require.Equal(t, domain.MovementSale, sale.MovementType)
	require.Equal(t, order.ID, sale.Reference)
	require.Equal(t, "barista", sale.Actor)
	require.Equal(t, SaleKey(order.ID, "milk"), sale.IdempotencyKey)

	stored, err := f.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CostSnapshot)
	require.Equal(t, domain.DeductionFullyDeducted, stored.CostSnapshot.InventoryDeductionStatus)
}

func TestLattePartiallyDeductedWhenMilkShort(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 100)
	f.stock("coffee", 30)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report := f.deduct(order)

	require.False(t, report.Success)
	require.Equal(t, domain.DeductionPartiallyDeducted, report.Status)
	require.Equal(t, 100.0, f.qty("milk"))
	require.Equal(t, 12.0, f.qty("coffee"))
	require.True(t, dec("0.9").Equal(report.CostOfGoods))

	milk := detail(t, report, "milk")
	require.Equal(t, domain.LineSkippedInsufficientStock, milk.Status)
	require.True(t, milk.TotalCost.IsZero())
	require.Len(t, report.Shortages, 1)
	require.Equal(t, "milk", report.Shortages[0].RawMaterialID)
	require.Equal(t, 200.0, report.Shortages[0].Required)
	require.Equal(t, 100.0, report.Shortages[0].Available)
	require.True(t, report.Shortages[0].HasStockRecord)

	require.Len(t, f.movements("milk"), 1)
}

func TestDeductionIsIdempotentOnceFullyDeducted(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	f.stock("coffee", 30)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	first := f.deduct(order)
	milkMoves, coffeeMoves := len(f.movements("milk")), len(f.movements("coffee"))
	second := f.deduct(order)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(firstJSON), string(secondJSON))
	require.Equal(t, string(firstJSON), string(secondJSON))

	require.Len(t, f.movements("milk"), milkMoves)
	require.Len(t, f.movements("coffee"), coffeeMoves)
	require.Equal(t, 300.0, f.qty("milk"))
}

func TestSharedMaterialsAggregateAcrossLines(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 1000)
	f.stock("coffee", 100)
	order := f.order("12.00",
		domain.OrderLine{ProductID: "latte", Quantity: 2},
		domain.OrderLine{ProductID: "americano", Quantity: 1},
	)

	report := f.deduct(order)

	require.Equal(t, domain.DeductionFullyDeducted, report.Status)
	require.Len(t, report.DeductionDetails, 2)
	require.Equal(t, "milk", report.DeductionDetails[0].RawMaterialID)
	require.Equal(t, "coffee", report.DeductionDetails[1].RawMaterialID)
	require.Equal(t, 54.0, detail(t, report, "coffee").Quantity)
	require.Equal(t, 46.0, f.qty("coffee"))
	require.Equal(t, 600.0, f.qty("milk"))

	sales := 0
	for _, m := range f.movements("coffee") {
		if m.MovementType == domain.MovementSale {
			sales++
			require.Equal(t, -54.0, m.Delta)
		}
	}
	require.Equal(t, 1, sales)
	// 400*0.002 + 54*0.05
	require.True(t, dec("3.5").Equal(report.CostOfGoods), report.CostOfGoods.String())
}

func TestUnitConversionAndAddOns(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 1000)
	f.stock("coffee", 100)
	f.stock("syrup", 100)
	order := f.order("5.00", domain.OrderLine{ProductID: "vanilla-latte", Quantity: 1})

	report := f.deduct(order, domain.AddOn{RawMaterialID: "syrup", Quantity: 0.01, Unit: "l"})

	require.Equal(t, domain.DeductionFullyDeducted, report.Status)
	require.Equal(t, 180.0, detail(t, report, "milk").Quantity)
	require.Equal(t, 30.0, detail(t, report, "syrup").Quantity)
	require.Equal(t, 70.0, f.qty("syrup"))
	require.Empty(t, report.Warnings)
}

func TestUnitMismatchIsWarningNotFailure(t *testing.T) {
	f := newFixture(t)
	f.stock("syrup", 100)
	order := f.order("2.00", domain.OrderLine{ProductID: "cookie", Quantity: 1})
	f.recipe("cookie", domain.RecipeLine{RawMaterialID: "syrup", Quantity: 5, Unit: "g"})

	report := f.deduct(order)

	require.Equal(t, domain.DeductionFullyDeducted, report.Status)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "syrup")
	require.Equal(t, 95.0, f.qty("syrup"))
}

func TestMissingRecipeIsWarning(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	f.stock("coffee", 30)

	onlyCookie := f.deduct(f.order("2.00", domain.OrderLine{ProductID: "cookie", Quantity: 3}))
	require.Equal(t, domain.DeductionNotDeducted, onlyCookie.Status)
	require.False(t, onlyCookie.Success)
	require.Empty(t, onlyCookie.DeductionDetails)
	require.Len(t, onlyCookie.Warnings, 1)
	require.Contains(t, onlyCookie.Warnings[0], "cookie")
	require.True(t, onlyCookie.CostOfGoods.IsZero())
	require.True(t, dec("2").Equal(onlyCookie.GrossProfit))

	mixed := f.deduct(f.order("6.50",
		domain.OrderLine{ProductID: "cookie", Quantity: 1},
		domain.OrderLine{ProductID: "latte", Quantity: 1},
	))
	require.Equal(t, domain.DeductionFullyDeducted, mixed.Status)
	require.Len(t, mixed.Warnings, 1)
}

func TestNoStockRecordIsDistinctShortage(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report := f.deduct(order)

	require.Equal(t, domain.DeductionPartiallyDeducted, report.Status)
	coffee := detail(t, report, "coffee")
	require.Equal(t, domain.LineSkippedNoStockRecord, coffee.Status)
	require.True(t, coffee.TotalCost.IsZero())
	require.Contains(t, coffee.Message, "0.9000")
	require.Len(t, report.Shortages, 1)
	require.False(t, report.Shortages[0].HasStockRecord)

	_, found, err := f.ledger.Read(context.Background(), branch, "coffee")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNothingInStockIsNotDeducted(t *testing.T) {
	f := newFixture(t)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report := f.deduct(order)
	require.Equal(t, domain.DeductionNotDeducted, report.Status)
	require.Len(t, report.Shortages, 2)
	require.True(t, report.CostOfGoods.IsZero())
}

type vanishingCatalog struct {
	*memory.Store
	gone string
}

func (c vanishingCatalog) GetRawMaterial(ctx context.Context, id string) (*domain.RawMaterial, error) {
	if id == c.gone {
		return nil, store.ErrNotFound
	}
	return c.Store.GetRawMaterial(ctx, id)
}

func TestDanglingRawMaterialIsReferentialError(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	f.stock("coffee", 30)
	engine := NewEngine(vanishingCatalog{Store: f.repo, gone: "milk"}, f.recipes, f.ledger, f.repo, Options{Logger: quietLogger()})
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report, err := engine.DeductForOrder(context.Background(), domain.DeductionRequest{OrderID: order.ID, BranchID: branch, Lines: order.Lines(), Actor: "barista"})
	require.NoError(t, err)

	require.Equal(t, domain.DeductionPartiallyDeducted, report.Status)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "milk")
	require.Len(t, report.DeductionDetails, 1)
	require.Equal(t, 500.0, f.qty("milk"))
	require.Equal(t, 12.0, f.qty("coffee"))
}

// staleLedger reports an inflated balance on the first read of each material,
// as if another order committed between preflight and commit.
type staleLedger struct {
	*ledger.Service
	mu    sync.Mutex
	reads map[string]int
}

func (l *staleLedger) Read(ctx context.Context, branchID string, rawMaterialID string) (float64, bool, error) {
	l.mu.Lock()
	l.reads[rawMaterialID]++
	first := l.reads[rawMaterialID] == 1
	l.mu.Unlock()
	qty, found, err := l.Service.Read(ctx, branchID, rawMaterialID)
	if first && found {
		qty += 1000
	}
	return qty, found, err
}

func TestFloorCheckCatchesRaceAfterPreflight(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 100)
	f.stock("coffee", 30)
	engine := NewEngine(f.repo, f.recipes, &staleLedger{Service: f.ledger, reads: map[string]int{}}, f.repo, Options{Logger: quietLogger()})
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report, err := engine.DeductForOrder(context.Background(), domain.DeductionRequest{OrderID: order.ID, BranchID: branch, Lines: order.Lines(), Actor: "barista"})
	require.NoError(t, err)

	milk := detail(t, report, "milk")
	require.Equal(t, domain.LineSkippedInsufficientStock, milk.Status)
	require.Equal(t, 100.0, report.Shortages[0].Available)
	require.Equal(t, domain.DeductionPartiallyDeducted, report.Status)
	require.Equal(t, 100.0, f.qty("milk"))
	require.Equal(t, 12.0, f.qty("coffee"))
}

func TestConcurrentOrdersNeverDriveStockNegative(t *testing.T) {
	f := newFixture(t)
	f.stock("coffee", 30)

	orders := make([]*domain.Order, 6)
	for i := range orders {
		orders[i] = f.order("3.00", domain.OrderLine{ProductID: "americano", Quantity: 1})
	}

	var wg sync.WaitGroup
	reports := make([]*domain.DeductionReport, len(orders))
	for i, order := range orders {
		i, order := i, order
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := f.engine.DeductForOrder(context.Background(), domain.DeductionRequest{OrderID: order.ID, BranchID: branch, Lines: order.Lines(), Actor: "barista"})
			if err != nil {
				t.Error(err)
				return
			}
			reports[i] = report
		}()
	}
	wg.Wait()

	deducted := 0
	for _, r := range reports {
		require.NotNil(t, r)
		if r.Status == domain.DeductionFullyDeducted {
			deducted++
		}
	}
	require.Equal(t, 1, deducted)
	require.Equal(t, 12.0, f.qty("coffee"))
}

func TestRetryOfPartialOrderDoesNotRededuct(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 100)
	f.stock("coffee", 30)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	first := f.deduct(order)
	require.Equal(t, domain.DeductionPartiallyDeducted, first.Status)

	f.stock("milk", 400)
	second := f.deduct(order)

	require.Equal(t, domain.DeductionFullyDeducted, second.Status)
	require.Equal(t, 300.0, f.qty("milk"))
	require.Equal(t, 12.0, f.qty("coffee"))
	require.Equal(t, detail(t, first, "coffee").MovementID, detail(t, second, "coffee").MovementID)
	require.True(t, dec("1.3").Equal(second.CostOfGoods))

	sales := 0
	for _, m := range f.movements("coffee") {
		if m.MovementType == domain.MovementSale {
			sales++
		}
	}
	require.Equal(t, 1, sales)
}

func TestDeductionUsesStoredOrderLinesWhenNoneGiven(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 500)
	f.stock("coffee", 30)
	order := f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1})

	report, err := f.engine.DeductForOrder(context.Background(), domain.DeductionRequest{OrderID: order.ID, Actor: "manager"})
	require.NoError(t, err)
	require.Equal(t, domain.DeductionFullyDeducted, report.Status)
}

func TestDeductionRaisesAlerts(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 240)
	f.stock("coffee", 18)
	f.deduct(f.order("4.50", domain.OrderLine{ProductID: "latte", Quantity: 1}))

	open, err := f.alerts.ListUnresolved(context.Background(), branch)
	require.NoError(t, err)
	kinds := map[string]domain.AlertType{}
	for _, a := range open {
		kinds[a.RawMaterialID] = a.AlertType
	}
	require.Equal(t, domain.AlertLowStock, kinds["milk"])
	require.Equal(t, domain.AlertOutOfStock, kinds["coffee"])
}

func TestDeductForUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.DeductForOrder(context.Background(), domain.DeductionRequest{OrderID: "ord-missing", BranchID: branch})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.DeductForOrder(context.Background(), domain.DeductionRequest{})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCalculateExpectedCostNeverCommits(t *testing.T) {
	f := newFixture(t)
	f.stock("milk", 300)
	f.stock("coffee", 30)

	estimate, err := f.engine.CalculateExpectedCost(context.Background(), domain.ExpectedCostRequest{
		BranchID: branch,
		Lines: []domain.OrderLine{
			{ProductID: "latte", Quantity: 2},
			{ProductID: "cookie", Quantity: 1},
		},
	})
	require.NoError(t, err)

	// 400*0.002 + 36*0.05
	require.True(t, dec("2.6").Equal(estimate.TotalCost), estimate.TotalCost.String())
	require.Len(t, estimate.PerLineBreakdown, 2)
	require.Equal(t, "Latte", estimate.PerLineBreakdown[0].ProductName)
	require.True(t, estimate.PerLineBreakdown[0].HasRecipe)
	require.True(t, dec("1.3").Equal(estimate.PerLineBreakdown[0].UnitCost))
	require.True(t, dec("2.6").Equal(estimate.PerLineBreakdown[0].TotalCost))
	require.False(t, estimate.PerLineBreakdown[1].HasRecipe)
	require.Len(t, estimate.Shortages, 2)
	require.Len(t, estimate.Warnings, 1)
	require.NotNil(t, estimate.ExpectedMargin)
	// 2*4.50 + 2.00 - 2.6
	require.True(t, dec("8.4").Equal(*estimate.ExpectedMargin), estimate.ExpectedMargin.String())

	require.Equal(t, 300.0, f.qty("milk"))
	require.Len(t, f.movements("milk"), 1)
}

func TestCalculateExpectedCostUnknownProductHasNoMargin(t *testing.T) {
	f := newFixture(t)
	estimate, err := f.engine.CalculateExpectedCost(context.Background(), domain.ExpectedCostRequest{
		BranchID: branch,
		Lines:    []domain.OrderLine{{ProductID: "ghost", Quantity: 1}},
	})
	require.NoError(t, err)
	require.Nil(t, estimate.ExpectedMargin)
	require.Len(t, estimate.Errors, 1)
}
