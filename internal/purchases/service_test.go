package purchases

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
	products  map[int64]*fakeProduct
	purchases map[int64]Purchase
	lines     map[int64]Line
	invoices  map[string]int64

	nextPurchaseID int64
	nextLineID     int64
	movements      []ledger.RecordInput

	// onLineLock fires once when a line is re-read under lock, standing in
	// for a concurrent edit committed before the lock was acquired.
	onLineLock func(lineID int64)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		products:  make(map[int64]*fakeProduct),
		purchases: make(map[int64]Purchase),
		lines:     make(map[int64]Line),
		invoices:  make(map[string]int64),
	}
}

func (m *memoryRepo) seedProduct(id int64, stock, avgCost string) {
	m.products[id] = &fakeProduct{Stock: dec(stock), AvgCost: dec(avgCost)}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Purchase, error) {
	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	p.Lines = m.linesOf(id)
	return p, nil
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

func (m *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Purchase, int, error) {
	var out []Purchase
	for _, p := range m.purchases {
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *memoryRepo) InsertPurchase(ctx context.Context, p Purchase) (int64, error) {
	if _, taken := m.invoices[p.InvoiceNumber]; taken {
		return 0, ErrDuplicateInvoice
	}
	m.nextPurchaseID++
	p.ID = m.nextPurchaseID
	m.purchases[p.ID] = p
	m.invoices[p.InvoiceNumber] = p.ID
	return p.ID, nil
}

func (m *memoryRepo) DeletePurchase(ctx context.Context, id int64) error {
	p, ok := m.purchases[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.invoices, p.InvoiceNumber)
	delete(m.purchases, id)
	return nil
}

func (m *memoryRepo) UpdateTotal(ctx context.Context, purchaseID int64, total decimal.Decimal) error {
	p, ok := m.purchases[purchaseID]
	if !ok {
		return ErrNotFound
	}
	p.Total = total
	m.purchases[purchaseID] = p
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

func (m *memoryRepo) DeleteLines(ctx context.Context, purchaseID int64) error {
	for id, line := range m.lines {
		if line.PurchaseID == purchaseID {
			delete(m.lines, id)
		}
	}
	return nil
}

func (m *memoryRepo) SumSubtotals(ctx context.Context, purchaseID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, line := range m.linesOf(purchaseID) {
		total = total.Add(line.Subtotal)
	}
	return total, nil
}

func (m *memoryRepo) LockLines(ctx context.Context, purchaseID int64) ([]Line, error) {
	return m.linesOf(purchaseID), nil
}

func (m *memoryRepo) GetProductForUpdate(ctx context.Context, productID int64) (ProductState, error) {
	p, ok := m.products[productID]
	if !ok {
		return ProductState{}, ErrUnknownProduct
	}
	return ProductState{Stock: p.Stock, AvgCost: p.AvgCost}, nil
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

func (m *memoryRepo) linesOf(purchaseID int64) []Line {
	var out []Line
	for _, line := range m.lines {
		if line.PurchaseID == purchaseID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func TestCreateAppliesWeightedAverage(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-001",
		Supplier:      "Acme Supplies",
		Lines: []LineInput{
			{ProductID: 1, Quantity: dec("5"), UnitCost: dec("5.00")},
		},
	})
	require.NoError(t, err)
	require.Len(t, created.Lines, 1)
	require.True(t, created.Total.Equal(dec("25.00")), "total %s", created.Total)

	p := repo.products[1]
	require.True(t, p.Stock.Equal(dec("15")), "stock %s", p.Stock)
	require.True(t, p.AvgCost.Equal(dec("3.00")), "cost %s", p.AvgCost)

	require.Len(t, repo.movements, 1)
	require.Equal(t, ledger.KindIn, repo.movements[0].Kind)
	require.Equal(t, "Purchase F-001", repo.movements[0].Reference)
}

func TestCreateValidation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "0", "0")
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), CreateInput{InvoiceNumber: "F-001", Supplier: "Acme"})
	require.ErrorIs(t, err, ErrNoLines)

	_, err = svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-001", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("0"), UnitCost: dec("1")}},
	})
	require.ErrorIs(t, err, ErrNonPositiveQuantity)

	_, err = svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-001", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("1"), UnitCost: dec("-1")}},
	})
	require.ErrorIs(t, err, ErrNegativeUnitCost)

	require.Empty(t, repo.movements)
}

func TestCreateDuplicateInvoice(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "0", "0")
	svc := newTestService(repo)

	input := CreateInput{
		InvoiceNumber: "F-007", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("1"), UnitCost: dec("1.00")}},
	}
	_, err := svc.Create(context.Background(), input)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), input)
	require.ErrorIs(t, err, ErrDuplicateInvoice)
}

func TestDeleteLineRestoresPriorState(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "10", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-010", Supplier: "Acme",
		Lines: []LineInput{
			{ProductID: 1, Quantity: dec("5"), UnitCost: dec("5.00")},
			{ProductID: 1, Quantity: dec("2"), UnitCost: dec("4.00")},
		},
	})
	require.NoError(t, err)
	require.Len(t, created.Lines, 2)

	// Removing the second line leaves the state as if only the first
	// had been applied.
	updated, err := svc.DeleteLine(context.Background(), created.Lines[1].ID)
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	require.True(t, updated.Total.Equal(dec("25.00")), "total %s", updated.Total)

	p := repo.products[1]
	require.True(t, p.Stock.Equal(dec("15")), "stock %s", p.Stock)
	require.True(t, p.AvgCost.Equal(dec("3.00")), "cost %s", p.AvgCost)
}

func TestUpdateLineSwitchesProduct(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "0", "0")
	repo.seedProduct(2, "0", "0")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-020", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("4"), UnitCost: dec("3.00")}},
	})
	require.NoError(t, err)

	updated, err := svc.UpdateLine(context.Background(), created.Lines[0].ID, LineInput{
		ProductID: 2, Quantity: dec("6"), UnitCost: dec("2.50"),
	})
	require.NoError(t, err)
	require.True(t, updated.Total.Equal(dec("15.00")), "total %s", updated.Total)

	// Product 1 is back to empty; the cost collapses with the stock.
	require.True(t, repo.products[1].Stock.IsZero())
	require.True(t, repo.products[1].AvgCost.IsZero())
	require.True(t, repo.products[2].Stock.Equal(dec("6")))
	require.True(t, repo.products[2].AvgCost.Equal(dec("2.50")))
}

func TestAddLineUpdatesTotal(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "0", "0")
	repo.seedProduct(2, "0", "0")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-030", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("2"), UnitCost: dec("10.00")}},
	})
	require.NoError(t, err)

	updated, err := svc.AddLine(context.Background(), created.ID, LineInput{
		ProductID: 2, Quantity: dec("3"), UnitCost: dec("1.50"),
	})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 2)
	require.True(t, updated.Total.Equal(dec("24.50")), "total %s", updated.Total)
}

func TestDeletePurchaseReversesAllLines(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "8", "1.50")
	repo.seedProduct(2, "0", "0")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-040", Supplier: "Acme",
		Lines: []LineInput{
			{ProductID: 1, Quantity: dec("2"), UnitCost: dec("9.00")},
			{ProductID: 2, Quantity: dec("5"), UnitCost: dec("2.00")},
		},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	_, err = svc.Get(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.True(t, repo.products[1].Stock.Equal(dec("8")), "stock %s", repo.products[1].Stock)
	require.True(t, repo.products[1].AvgCost.Equal(dec("1.50")), "cost %s", repo.products[1].AvgCost)
	require.True(t, repo.products[2].Stock.IsZero())
	require.True(t, repo.products[2].AvgCost.IsZero())

	// Two applications plus two reversals.
	require.Len(t, repo.movements, 4)
	require.Equal(t, "Purchase F-040 (reversal)", repo.movements[2].Reference)
}

func TestUpdateLineRevertsLockedTuple(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "20", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-030", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("10"), UnitCost: dec("2.00")}},
	})
	require.NoError(t, err)
	lineID := created.Lines[0].ID

	// Another edit commits between the caller's read and the row lock: the
	// line is down to 4 units and stock already reflects that.
	repo.onLineLock = func(id int64) {
		line := repo.lines[id]
		line.Quantity = dec("4")
		line.Subtotal = dec("8.00")
		repo.lines[id] = line
		repo.products[1].Stock = dec("24")
	}

	_, err = svc.UpdateLine(context.Background(), lineID, LineInput{
		ProductID: 1, Quantity: dec("6"), UnitCost: dec("2.00"),
	})
	require.NoError(t, err)

	// The revert undoes the locked 4-unit tuple, not the stale 10-unit
	// one: 24 - 4 + 6 = 26.
	require.True(t, repo.movements[1].Quantity.Equal(dec("4")), "reverted %s", repo.movements[1].Quantity)
	p := repo.products[1]
	require.True(t, p.Stock.Equal(dec("26")), "stock %s", p.Stock)
}

func TestDeleteLineRevertsLockedTuple(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedProduct(1, "20", "2.00")
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		InvoiceNumber: "F-031", Supplier: "Acme",
		Lines: []LineInput{{ProductID: 1, Quantity: dec("10"), UnitCost: dec("2.00")}},
	})
	require.NoError(t, err)
	lineID := created.Lines[0].ID

	repo.onLineLock = func(id int64) {
		line := repo.lines[id]
		line.Quantity = dec("4")
		line.Subtotal = dec("8.00")
		repo.lines[id] = line
		repo.products[1].Stock = dec("24")
	}

	_, err = svc.DeleteLine(context.Background(), lineID)
	require.NoError(t, err)

	require.True(t, repo.movements[1].Quantity.Equal(dec("4")), "reverted %s", repo.movements[1].Quantity)
	require.True(t, repo.products[1].Stock.Equal(dec("20")), "stock %s", repo.products[1].Stock)
}
