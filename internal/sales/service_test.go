package sales

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeProduct struct {
	Stock   decimal.Decimal
	AvgCost decimal.Decimal
}

// memoryRepo implements RepositoryPort and TxRepository with movement
// semantics mirroring the ledger recorder.
type memoryRepo struct {
	products map[int64]*fakeProduct
	sales    map[int64]Sale
	lines    map[int64]Line

	lastDoc    string
	nextSaleID int64
	nextLineID int64
	movements  []ledger.RecordInput

	// onLineLock fires once when a line is re-read under lock, standing in
	// for a concurrent edit committed before the lock was acquired.
	onLineLock func(lineID int64)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		products: make(map[int64]*fakeProduct),
		sales:    make(map[int64]Sale),
		lines:    make(map[int64]Line),
	}
}

func (m *memoryRepo) seedProduct(id int64, stock, avgCost string) {
	m.products[id] = &fakeProduct{Stock: dec(stock), AvgCost: dec(avgCost)}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Sale, error) {
	s, ok := m.sales[id]
	if !ok {
		return Sale{}, ErrNotFound
	}
	s.Lines = m.linesOf(id)
	return s, nil
}

func (m *memoryRepo) GetLine(ctx context.Context, lineID int64) (Line, error) {
	line, ok := m.lines[lineID]
	if !ok {
		return Line{}, ErrNotFound
	}
	return line, nil
}

func (m *memoryRepo) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	if m.onLineLock != nil {
		hook := m.onLineLock
		m.onLineLock = nil
		hook(lineID)
	}
	return m.GetLine(ctx, lineID)
}

func (m *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Sale, int, error) {
	var out []Sale
	for _, s := range m.sales {
		out = append(out, s)
	}
	return out, len(out), nil
}

func (m *memoryRepo) NextDocumentNumber(ctx context.Context) (string, error) {
	return nextDocumentNumber(m.lastDoc), nil
}

func (m *memoryRepo) InsertSale(ctx context.Context, s Sale) (int64, error) {
	m.nextSaleID++
	s.ID = m.nextSaleID
	m.sales[s.ID] = s
	m.lastDoc = s.DocumentNumber
	return s.ID, nil
}

func (m *memoryRepo) DeleteSale(ctx context.Context, id int64) error {
	if _, ok := m.sales[id]; !ok {
		return ErrNotFound
	}
	delete(m.sales, id)
	return nil
}

func (m *memoryRepo) UpdateTotal(ctx context.Context, saleID int64, total decimal.Decimal) error {
	s, ok := m.sales[saleID]
	if !ok {
		return ErrNotFound
	}
	s.Total = total
	m.sales[saleID] = s
	return nil
}

func (m *memoryRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	m.nextLineID++
	line.ID = m.nextLineID
	m.lines[line.ID] = line
	return line.ID, nil
}

func (m *memoryRepo) UpdateLine(ctx context.Context, line Line) error {
	if _, ok := m.lines[line.ID]; !ok {
		return ErrNotFound
	}
	m.lines[line.ID] = line
	return nil
}

func (m *memoryRepo) DeleteLine(ctx context.Context, lineID int64) error {
	if _, ok := m.lines[lineID]; !ok {
		return ErrNotFound
	}
	delete(m.lines, lineID)
	return nil
}

func (m *memoryRepo) DeleteLines(ctx context.Context, saleID int64) error {
	for id, line := range m.lines {
		if line.SaleID == saleID {
			delete(m.lines, id)
		}
	}
	return nil
}

func (m *memoryRepo) SumSubtotals(ctx context.Context, saleID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, line := range m.linesOf(saleID) {
		total = total.Add(line.Subtotal)
	}
	return total, nil
}

func (m *memoryRepo) LockLines(ctx context.Context, saleID int64) ([]Line, error) {
	return m.linesOf(saleID), nil
}

func (m *memoryRepo) AvailableStock(ctx context.Context, productID int64) (decimal.Decimal, error) {
	p, ok := m.products[productID]
	if !ok {
		return decimal.Decimal{}, ErrUnknownProduct
	}
	return p.Stock, nil
}

func (m *memoryRepo) RecordMovement(ctx context.Context, input ledger.RecordInput) (ledger.Entry, error) {
	p, ok := m.products[input.ProductID]
	if !ok {
		return ledger.Entry{}, ErrUnknownProduct
	}
	qty := costing.RoundQty(input.Quantity)
	var balance decimal.Decimal
	switch input.Kind {
	case ledger.KindIn:
		balance = p.Stock.Add(qty)
	case ledger.KindOut:
		balance = p.Stock.Sub(qty)
		if balance.Sign() < 0 {
			balance = decimal.Zero
		}
	default:
		return ledger.Entry{}, ledger.ErrInvalidKind
	}
	cost := p.AvgCost
	if input.NewUnitCost != nil {
		cost = costing.RoundCost(*input.NewUnitCost)
	}
	if balance.Sign() == 0 {
		cost = decimal.Zero
	}
	p.Stock, p.AvgCost = balance, cost
	m.movements = append(m.movements, input)
	return ledger.Entry{ProductID: input.ProductID, Kind: input.Kind, Quantity: qty, Balance: balance}, nil
}

func (m *memoryRepo) linesOf(saleID int64) []Line {
	var out []Line
	for _, line := range m.lines {
		if line.SaleID == saleID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func TestNextDocumentNumber(t *testing.T) {
	require.Equal(t, "1000001", nextDocumentNumber(""))
	require.Equal(t, "1000002", nextDocumentNumber("1000001"))
	require.Equal(t, "1000001", nextDocumentNumber("LEGACY-42"))
}

func TestCreateAssignsSequentialDocumentNumbers(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "100", "2.00")
	svc := newTestService(repo)

	input := CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 2, UnitPrice: dec("3.00")}},
	}
	first, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "1000001", first.DocumentNumber)

	second, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "1000002", second.DocumentNumber)
}

func TestCreateMovesStockNotCost(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.50")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 4, UnitPrice: dec("6.00")}},
	})
	require.NoError(t, err)
	require.True(t, created.Total.Equal(dec("24.00")), "total %s", created.Total)

	p := repo.products[1]
	require.True(t, p.Stock.Equal(dec("6")), "stock %s", p.Stock)
	require.True(t, p.AvgCost.Equal(dec("2.50")), "cost %s", p.AvgCost)

	require.Len(t, repo.movements, 1)
	require.Equal(t, ledger.KindOut, repo.movements[0].Kind)
	require.Nil(t, repo.movements[0].NewUnitCost)
	require.Equal(t, "Sale 1000001", repo.movements[0].Reference)
}

func TestCreateInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "5", "2.00")
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 8, UnitPrice: dec("3.00")}},
	})
	var shortfall *InsufficientStockError
	require.ErrorAs(t, err, &shortfall)
	require.Equal(t, int64(1), shortfall.ProductID)
	require.True(t, shortfall.Available.Equal(dec("5")))
	require.True(t, shortfall.Requested.Equal(dec("8")))

	// Stock untouched.
	require.True(t, repo.products[1].Stock.Equal(dec("5")))
}

func TestUpdateLineAppliesDeltaOnly(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 4, UnitPrice: dec("3.00")}},
	})
	require.NoError(t, err)

	// 4 -> 6 moves only 2 more units out.
	updated, err := svc.UpdateLine(context.Background(), created.Lines[0].ID, LineInput{
		ProductID: 1, Quantity: 6, UnitPrice: dec("3.00"),
	})
	require.NoError(t, err)
	require.True(t, updated.Total.Equal(dec("18.00")), "total %s", updated.Total)
	require.True(t, repo.products[1].Stock.Equal(dec("4")))
	require.Len(t, repo.movements, 2)
	require.Equal(t, ledger.KindOut, repo.movements[1].Kind)
	require.True(t, repo.movements[1].Quantity.Equal(dec("2")))

	// 6 -> 1 returns 5 units.
	_, err = svc.UpdateLine(context.Background(), created.Lines[0].ID, LineInput{
		ProductID: 1, Quantity: 1, UnitPrice: dec("3.00"),
	})
	require.NoError(t, err)
	require.True(t, repo.products[1].Stock.Equal(dec("9")))
	require.Equal(t, ledger.KindIn, repo.movements[2].Kind)
	require.True(t, repo.movements[2].Quantity.Equal(dec("5")))
}

func TestUpdateLineRejectsDeltaBeyondStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "5", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 4, UnitPrice: dec("3.00")}},
	})
	require.NoError(t, err)

	// Stock is down to 1; growing the line to 7 needs 3 more.
	_, err = svc.UpdateLine(context.Background(), created.Lines[0].ID, LineInput{
		ProductID: 1, Quantity: 7, UnitPrice: dec("3.00"),
	})
	var shortfall *InsufficientStockError
	require.ErrorAs(t, err, &shortfall)
	require.True(t, shortfall.Available.Equal(dec("1")))
	require.True(t, shortfall.Requested.Equal(dec("3")))
}

func TestUpdateLineSwitchesProduct(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.00")
	repo.seedProduct(2, "10", "4.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 4, UnitPrice: dec("3.00")}},
	})
	require.NoError(t, err)

	_, err = svc.UpdateLine(context.Background(), created.Lines[0].ID, LineInput{
		ProductID: 2, Quantity: 3, UnitPrice: dec("5.00"),
	})
	require.NoError(t, err)

	require.True(t, repo.products[1].Stock.Equal(dec("10")))
	require.True(t, repo.products[2].Stock.Equal(dec("7")))
}

func TestDeleteSaleRestoresStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.00")
	repo.seedProduct(2, "8", "1.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines: []LineInput{
			{ProductID: 1, Quantity: 4, UnitPrice: dec("3.00")},
			{ProductID: 2, Quantity: 8, UnitPrice: dec("1.50")},
		},
	})
	require.NoError(t, err)
	require.True(t, repo.products[2].Stock.IsZero())

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	_, err = svc.Get(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, repo.products[1].Stock.Equal(dec("10")))
	require.True(t, repo.products[2].Stock.Equal(dec("8")))
	require.Equal(t, "Sale 1000001 (reversal)", repo.movements[2].Reference)
}

func TestUpdateLineDeltaFromLockedTuple(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "30", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 10, UnitPrice: dec("5.00")}},
	})
	require.NoError(t, err)
	lineID := created.Lines[0].ID

	// Another edit commits between the caller's read and the row lock: the
	// line is down to 4 units and stock already reflects that.
	repo.onLineLock = func(id int64) {
		line := repo.lines[id]
		line.Quantity = 4
		line.Subtotal = dec("20.00")
		repo.lines[id] = line
		repo.products[1].Stock = dec("26")
	}

	_, err = svc.UpdateLine(context.Background(), lineID, LineInput{
		ProductID: 1, Quantity: 6, UnitPrice: dec("5.00"),
	})
	require.NoError(t, err)

	// The delta runs against the locked 4-unit tuple, so 2 more units
	// leave: 26 - 2 = 24. The stale 10-unit read would have returned 4.
	last := repo.movements[len(repo.movements)-1]
	require.Equal(t, ledger.KindOut, last.Kind)
	require.True(t, last.Quantity.Equal(dec("2")), "moved %s", last.Quantity)
	require.True(t, repo.products[1].Stock.Equal(dec("24")), "stock %s", repo.products[1].Stock)
}

func TestDeleteLineReturnsLockedTuple(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "30", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Customer: "Corner Shop",
		Lines:    []LineInput{{ProductID: 1, Quantity: 10, UnitPrice: dec("5.00")}},
	})
	require.NoError(t, err)
	lineID := created.Lines[0].ID

	repo.onLineLock = func(id int64) {
		line := repo.lines[id]
		line.Quantity = 4
		line.Subtotal = dec("20.00")
		repo.lines[id] = line
		repo.products[1].Stock = dec("26")
	}

	_, err = svc.DeleteLine(context.Background(), lineID)
	require.NoError(t, err)

	last := repo.movements[len(repo.movements)-1]
	require.Equal(t, ledger.KindIn, last.Kind)
	require.True(t, last.Quantity.Equal(dec("4")), "returned %s", last.Quantity)
	require.True(t, repo.products[1].Stock.Equal(dec("30")), "stock %s", repo.products[1].Stock)
}
