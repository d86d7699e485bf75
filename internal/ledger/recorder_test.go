package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// scriptedTx answers the exact statements Record issues, capturing what
// would be written. Unscripted calls panic through the embedded nil Tx.
type scriptedTx struct {
	pgx.Tx

	stock   decimal.Decimal
	avgCost decimal.Decimal
	missing bool
	lastAt  time.Time

	insertedKind    string
	insertedQty     decimal.Decimal
	insertedBalance decimal.Decimal
	insertedAt      time.Time
	updatedStock    decimal.Decimal
	updatedCost     decimal.Decimal
	updates         int
}

func (t *scriptedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "FOR UPDATE"):
		return fakeRow{scan: func(dest ...any) error {
			if t.missing {
				return pgx.ErrNoRows
			}
			*dest[0].(*decimal.Decimal) = t.stock
			*dest[1].(*decimal.Decimal) = t.avgCost
			return nil
		}}
	case strings.Contains(sql, "INSERT INTO kardex_entries"):
		t.insertedKind = args[1].(string)
		t.insertedQty = args[2].(decimal.Decimal)
		t.insertedBalance = args[3].(decimal.Decimal)
		t.insertedAt = args[5].(time.Time)
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*int64) = 101
			return nil
		}}
	case strings.Contains(sql, "SELECT created_at"):
		return fakeRow{scan: func(dest ...any) error {
			if t.lastAt.IsZero() {
				return pgx.ErrNoRows
			}
			*dest[0].(*time.Time) = t.lastAt
			return nil
		}}
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (t *scriptedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.updates++
	t.updatedStock = args[0].(decimal.Decimal)
	t.updatedCost = args[1].(decimal.Decimal)
	return pgconn.CommandTag{}, nil
}

func TestRecordClampsOutboundAtZero(t *testing.T) {
	tx := &scriptedTx{stock: decimal.RequireFromString("3"), avgCost: decimal.RequireFromString("5.00")}
	rec := NewPgRecorder()

	entry, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID: 1,
		Kind:      KindOut,
		Quantity:  decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	// Over-issue lands on zero, never negative, and the cost collapses
	// with the balance.
	require.True(t, entry.Balance.IsZero(), "balance %s", entry.Balance)
	require.True(t, tx.insertedBalance.IsZero())
	require.True(t, tx.updatedStock.IsZero())
	require.True(t, tx.updatedCost.IsZero(), "cost %s", tx.updatedCost)
	require.Equal(t, 1, tx.updates)
}

func TestRecordZeroBalanceCollapsesCost(t *testing.T) {
	tx := &scriptedTx{stock: decimal.RequireFromString("5"), avgCost: decimal.RequireFromString("2.50")}
	rec := NewPgRecorder()

	// Even an explicit unit cost cannot survive an empty balance.
	newCost := decimal.RequireFromString("9.99")
	_, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID:   1,
		Kind:        KindOut,
		Quantity:    decimal.NewFromInt(5),
		NewUnitCost: &newCost,
	})
	require.NoError(t, err)
	require.True(t, tx.updatedStock.IsZero())
	require.True(t, tx.updatedCost.IsZero(), "cost %s", tx.updatedCost)
}

func TestRecordAppliesNewUnitCost(t *testing.T) {
	tx := &scriptedTx{stock: decimal.RequireFromString("10"), avgCost: decimal.RequireFromString("2.00")}
	rec := NewPgRecorder()

	newCost := decimal.RequireFromString("3.456")
	entry, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID:   1,
		Kind:        KindIn,
		Quantity:    decimal.NewFromInt(5),
		NewUnitCost: &newCost,
	})
	require.NoError(t, err)
	require.Equal(t, int64(101), entry.ID)
	require.True(t, entry.Balance.Equal(decimal.RequireFromString("15")), "balance %s", entry.Balance)
	require.Equal(t, "IN", tx.insertedKind)
	require.True(t, tx.updatedStock.Equal(decimal.RequireFromString("15")))
	require.True(t, tx.updatedCost.Equal(decimal.RequireFromString("3.46")), "cost %s", tx.updatedCost)
}

func TestRecordKeepsCostWhenUnset(t *testing.T) {
	tx := &scriptedTx{stock: decimal.RequireFromString("10"), avgCost: decimal.RequireFromString("2.50")}
	rec := NewPgRecorder()

	_, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID: 1,
		Kind:      KindOut,
		Quantity:  decimal.NewFromInt(4),
	})
	require.NoError(t, err)
	require.True(t, tx.updatedStock.Equal(decimal.RequireFromString("6")))
	require.True(t, tx.updatedCost.Equal(decimal.RequireFromString("2.50")), "cost %s", tx.updatedCost)
}

func TestRecordTimestampNeverRegresses(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	tx := &scriptedTx{stock: decimal.RequireFromString("10"), lastAt: future}
	rec := NewPgRecorder()

	entry, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID: 1,
		Kind:      KindIn,
		Quantity:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	// The clock says earlier than the last entry; the entry reuses the
	// last timestamp instead of going backwards.
	require.True(t, entry.CreatedAt.Equal(future), "created_at %s", entry.CreatedAt)
	require.True(t, tx.insertedAt.Equal(future))
}

func TestRecordUnknownProduct(t *testing.T) {
	tx := &scriptedTx{missing: true}
	rec := NewPgRecorder()

	_, err := rec.Record(context.Background(), tx, RecordInput{
		ProductID: 99,
		Kind:      KindIn,
		Quantity:  decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrUnknownProduct)
	require.Zero(t, tx.updates)
}

func TestRecordRejectsInvalidKind(t *testing.T) {
	rec := NewPgRecorder()
	_, err := rec.Record(context.Background(), nil, RecordInput{
		ProductID: 1,
		Kind:      Kind("ADJUST"),
		Quantity:  decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestRecordRejectsMissingQuantity(t *testing.T) {
	rec := NewPgRecorder()

	_, err := rec.Record(context.Background(), nil, RecordInput{ProductID: 1, Kind: KindIn})
	require.ErrorIs(t, err, ErrNilQuantity)

	_, err = rec.Record(context.Background(), nil, RecordInput{
		ProductID: 1,
		Kind:      KindOut,
		Quantity:  decimal.NewFromInt(-2),
	})
	require.ErrorIs(t, err, ErrNilQuantity)

	// Below quantity scale it rounds to zero and is rejected before any write.
	_, err = rec.Record(context.Background(), nil, RecordInput{
		ProductID: 1,
		Kind:      KindIn,
		Quantity:  decimal.RequireFromString("0.00001"),
	})
	require.ErrorIs(t, err, ErrNilQuantity)
}

func TestKindValid(t *testing.T) {
	require.True(t, KindIn.Valid())
	require.True(t, KindOut.Valid())
	require.False(t, Kind("TRANSFER").Valid())
	require.False(t, Kind("").Valid())
}

type stubHistory struct {
	got HistoryFilter
}

func (s *stubHistory) History(ctx context.Context, filter HistoryFilter) ([]Entry, error) {
	s.got = filter
	return []Entry{{ID: 2}, {ID: 1}}, nil
}

func TestServiceHistoryValidation(t *testing.T) {
	svc := NewService(&stubHistory{})

	_, err := svc.History(context.Background(), 0, time.Time{}, time.Time{}, 0)
	require.Error(t, err)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.History(context.Background(), 1, from, to, 0)
	require.Error(t, err)
}

func TestServiceHistoryPassesFilter(t *testing.T) {
	stub := &stubHistory{}
	svc := NewService(stub)

	entries, err := svc.History(context.Background(), 9, time.Time{}, time.Time{}, 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(9), stub.got.ProductID)
	require.Equal(t, 50, stub.got.Limit)
}
