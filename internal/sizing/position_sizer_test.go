package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSizeBasicAllocation(t *testing.T) {
	s := New(zap.NewNop())
	qty, rej := s.Size(Request{
		AvailableCash:     dec("10000"),
		AllocationPct:     dec("0.1"),
		MaxPerPositionPct: dec("0.5"),
		ReferencePrice:    dec("50010"),
	})
	if rej != RejectionNone {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	want := dec("1000").Div(dec("50010"))
	if !qty.Equal(want) {
		t.Fatalf("got %s want %s", qty, want)
	}
}

func TestSizeClampedByMaxPerPosition(t *testing.T) {
	s := New(zap.NewNop())
	qty, rej := s.Size(Request{
		AvailableCash:     dec("10000"),
		AllocationPct:     dec("0.9"),
		MaxPerPositionPct: dec("0.2"),
		ReferencePrice:    dec("100"),
	})
	if rej != RejectionNone {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	want := dec("2000").Div(dec("100"))
	if !qty.Equal(want) {
		t.Fatalf("got %s want %s", qty, want)
	}
}

func TestSizeBelowMinimumNotional(t *testing.T) {
	s := New(zap.NewNop())
	_, rej := s.Size(Request{
		AvailableCash:     dec("100"),
		AllocationPct:     dec("0.01"),
		MaxPerPositionPct: dec("1"),
		ReferencePrice:    dec("50000"),
		Minimums:          Minimums{MinNotional: dec("10")},
	})
	if rej != RejectionBelowMinimum {
		t.Fatalf("expected below_min, got %v", rej)
	}
}

func TestSizeBelowMinimumQuantity(t *testing.T) {
	s := New(zap.NewNop())
	_, rej := s.Size(Request{
		AvailableCash:     dec("10000"),
		AllocationPct:     dec("0.001"),
		MaxPerPositionPct: dec("1"),
		ReferencePrice:    dec("50000"),
		Minimums:          Minimums{MinQuantity: dec("1")},
	})
	if rej != RejectionBelowMinimum {
		t.Fatalf("expected below_min, got %v", rej)
	}
}
