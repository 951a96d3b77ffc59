package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4900, "USD", "$49.00"},
		{"USD thousands", USD(123456), 123456, "USD", "$1,234.56"},
		{"JPY", JPY(100), 100, "JPY", "¥100"},
		{"New lowercases", New(2500, " usd "), 2500, "USD", "$25.00"},
		{"Zero USD", Zero("usd"), 0, "USD", "$0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		currency string
		want     Money
		wantErr  bool
	}{
		{"whole dollars", "12", "USD", USD(1200), false},
		{"cents", "12.34", "usd", USD(1234), false},
		{"negative", "-0.50", "USD", USD(-50), false},
		{"yen", "500", "JPY", JPY(500), false},
		{"too precise", "1.005", "USD", Money{}, true},
		{"yen with fraction", "1.5", "JPY", Money{}, true},
		{"not a number", "abc", "USD", Money{}, true},
		{"unknown currency", "1.00", "XXZ", Money{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.input, tt.currency)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := USD(1).Validate(); err != nil {
		t.Errorf("USD should validate: %v", err)
	}
	err := New(1, "NOPE").Validate()
	if !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return USD(100).Add(USD(200)) }, USD(300)},
		{"Subtract", func() Money { return USD(500).Subtract(USD(200)) }, USD(300)},
		{"Negate", func() Money { return USD(100).Negate() }, USD(-100)},
		{"Abs negative", func() Money { return USD(-100).Abs() }, USD(100)},
		{"Sum", func() Money { return Sum("USD", USD(100), USD(250), USD(-50)) }, USD(300)},
		{"Sum empty", func() Money { return Sum("JPY") }, JPY(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.op()
			if !result.Equal(tt.expected) {
				t.Errorf("Got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD(100).Add(EUR(100))
}

func TestFormatMajor(t *testing.T) {
	tests := []struct {
		money Money
		want  string
	}{
		{USD(4900), "49.00"},
		{USD(-5), "-0.05"},
		{JPY(100), "100"},
	}
	for _, tt := range tests {
		if got := tt.money.FormatMajor(); got != tt.want {
			t.Errorf("FormatMajor(%+v) = %q, want %q", tt.money, got, tt.want)
		}
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(USD(4900))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["display"] != "$49.00" {
		t.Errorf("display: got %v", raw["display"])
	}

	var back Money
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(USD(4900)) {
		t.Errorf("got %+v", back)
	}
}

func TestEntityTouch(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var e Entity
	e.Touch(t0)
	if !e.CreatedAt.Equal(t0) || !e.UpdatedAt.Equal(t0) {
		t.Fatalf("first touch should set both timestamps: %+v", e)
	}

	t1 := t0.Add(time.Minute)
	e.Touch(t1)
	if !e.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt moved: %v", e.CreatedAt)
	}
	if !e.NewerThan(NewEntity(t0)) {
		t.Error("expected touched entity to be newer")
	}
}
