package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestComputeLineTotal(t *testing.T) {
	cases := []struct {
		name string
		item SalesOrderItem
		want string
	}{
		{"plain", SalesOrderItem{Quantity: dec("2"), UnitPrice: dec("45.50")}, "91"},
		{"with discount", SalesOrderItem{Quantity: dec("2"), UnitPrice: dec("100"), DiscountPercent: dec("10")}, "180"},
		{"fractional quantity", SalesOrderItem{Quantity: dec("0.5"), UnitPrice: dec("89.90")}, "44.95"},
		{"zero quantity", SalesOrderItem{Quantity: dec("0"), UnitPrice: dec("100")}, "0"},
		{"full discount", SalesOrderItem{Quantity: dec("3"), UnitPrice: dec("10"), DiscountPercent: dec("100")}, "0"},
	}
	for _, tc := range cases {
		got := tc.item.ComputeLineTotal()
		if !got.Equal(dec(tc.want)) {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRecomputeTotal(t *testing.T) {
	order := SalesOrder{Items: []SalesOrderItem{
		{Quantity: dec("2"), UnitPrice: dec("45.50")},
		{Quantity: dec("1"), UnitPrice: dec("120"), DiscountPercent: dec("25")},
		{Quantity: dec("0.5"), UnitPrice: dec("89.90")},
	}}
	// 91 + 90 + 44.95
	if got := order.RecomputeTotal(); !got.Equal(dec("225.95")) {
		t.Fatalf("got %s", got)
	}
}

func TestRecomputeTotalEmptyOrder(t *testing.T) {
	var order SalesOrder
	if got := order.RecomputeTotal(); !got.IsZero() {
		t.Fatalf("got %s", got)
	}
}

func TestSyncEventIsTerminal(t *testing.T) {
	cases := map[string]bool{
		EventStatePending:     false,
		EventStateProcessing:  false,
		EventStateFailed:      false,
		EventStateApplied:     true,
		EventStateFilteredOut: true,
	}
	for state, want := range cases {
		e := SyncEvent{State: state}
		if got := e.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestInvoiceIsPosted(t *testing.T) {
	cases := map[string]bool{
		InvoiceStateDraft:     false,
		InvoiceStateCancelled: false,
		InvoiceStateValidated: true,
		InvoiceStateReversed:  true,
	}
	for state, want := range cases {
		inv := Invoice{State: state}
		if got := inv.IsPosted(); got != want {
			t.Errorf("IsPosted(%s) = %v, want %v", state, got, want)
		}
	}
}
