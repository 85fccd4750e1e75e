package bucketords

import (
	"errors"
	"testing"

	"github.com/eunmann/autohisto/pkg/membudget"
)

func TestAddAssignsDenseOrdinals(t *testing.T) {
	table, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer table.Close()

	keys := []int64{1000, 5000, 3000, 1000, 5000, 7000}
	wantOrds := []int64{0, 1, 2, 0, 1, 3}
	wantNew := []bool{true, true, true, false, false, true}

	for i, key := range keys {
		ord, wasNew, err := table.Add(key)
		if err != nil {
			t.Fatalf("Add(%d): %v", key, err)
		}
		if ord != wantOrds[i] {
			t.Errorf("Add(%d) ord = %d, want %d", key, ord, wantOrds[i])
		}
		if wasNew != wantNew[i] {
			t.Errorf("Add(%d) wasNew = %v, want %v", key, wasNew, wantNew[i])
		}
	}

	if table.Size() != 4 {
		t.Errorf("Size() = %d, want 4", table.Size())
	}
}

func TestKeyInverseLookup(t *testing.T) {
	table, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer table.Close()

	keys := []int64{-60000, 0, 60000}
	for _, key := range keys {
		if _, _, err := table.Add(key); err != nil {
			t.Fatalf("Add(%d): %v", key, err)
		}
	}
	for ord, want := range keys {
		if got := table.Key(int64(ord)); got != want {
			t.Errorf("Key(%d) = %d, want %d", ord, got, want)
		}
	}
}

func TestAddAfterClose(t *testing.T) {
	table, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	table.Close()

	if _, _, err := table.Add(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close = %v, want ErrClosed", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 1 << 20})
	table, err := New(budget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	table.Close()
	table.Close()

	if got := budget.InUse(); got != 0 {
		t.Errorf("InUse() after double Close = %d, want 0", got)
	}
}

func TestBudgetReleasedOnClose(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 1 << 20})
	table, err := New(budget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if budget.InUse() == 0 {
		t.Error("expected an initial reservation")
	}

	table.Close()
	if got := budget.InUse(); got != 0 {
		t.Errorf("InUse() after Close = %d, want 0", got)
	}
}

func TestBudgetExceededLeavesTableUsable(t *testing.T) {
	// The table share of this budget covers the initial chunk but not a
	// second one.
	budget := membudget.New(membudget.Config{TotalBytes: 3 * reserveChunk * bytesPerEntry})
	table, err := New(budget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer table.Close()

	// Fill up to capacity.
	for i := int64(0); i < reserveChunk; i++ {
		if _, _, err := table.Add(i * 1000); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	// The next new key needs a reservation the budget cannot cover.
	_, _, err = table.Add(reserveChunk * 1000)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Add past budget = %v, want ErrBudgetExceeded", err)
	}

	// Last-good state: size unchanged, existing keys still resolvable.
	if table.Size() != reserveChunk {
		t.Errorf("Size() = %d, want %d", table.Size(), int64(reserveChunk))
	}
	ord, wasNew, err := table.Add(0)
	if err != nil || wasNew || ord != 0 {
		t.Errorf("Add(existing) = %d, %v, %v; want 0, false, nil", ord, wasNew, err)
	}
}

func TestNewFailsWhenBudgetTooSmall(t *testing.T) {
	budget := membudget.New(membudget.Config{TotalBytes: 16})
	if _, err := New(budget); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("New with tiny budget = %v, want ErrBudgetExceeded", err)
	}
}

func TestReserveCappedAtTableShare(t *testing.T) {
	// A budget whose table share covers the initial chunk exactly: further
	// growth must fail even though the budget as a whole has room left for
	// the other pipeline consumers.
	tableShare := float64(reserveChunk*bytesPerEntry) / membudget.FractionTable
	total := uint64(tableShare)
	budget := membudget.New(membudget.Config{TotalBytes: total + bytesPerEntry})
	table, err := New(budget)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer table.Close()

	for i := int64(0); i < reserveChunk; i++ {
		if _, _, err := table.Add(i); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	if _, _, err := table.Add(reserveChunk); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("Add past table share = %v, want ErrBudgetExceeded", err)
	}
	if budget.Available() == 0 {
		t.Error("expected budget headroom outside the table share")
	}
}
