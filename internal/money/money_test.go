package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"381.75", 38175},
		{"$500", 50000},
		{"0.5", 50},
		{"-25.25", -2525},
		{" 1.00 ", 100},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in, "USD")
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got.Cents != tc.want {
				t.Fatalf("got=%d want=%d", got.Cents, tc.want)
			}
		})
	}

	for _, bad := range []string{"", "abc", "1.001", "0.125"} {
		if _, err := Parse(bad, "USD"); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := Parse("1.00", "XYZ"); err == nil {
		t.Fatal("expected unsupported currency error")
	}
}

func TestArithmeticIsExact(t *testing.T) {
	// 0.1 + 0.2 drifts in float64; must not here.
	got := MustParse("0.10").Add(MustParse("0.20"))
	if got.String() != "0.30" {
		t.Fatalf("got=%s", got)
	}

	gross := MustParse("500.00")
	taxes := Sum(MustParse("50.00"), MustParse("30.00"), MustParse("38.25"))
	net := gross.Sub(taxes)
	if net.String() != "381.75" {
		t.Fatalf("net got=%s want=381.75", net)
	}
}

func TestPercentRounding(t *testing.T) {
	// 25% of 1234.57 = 308.6425 -> 308.64
	got := MustParse("1234.57").Percent(decimal.NewFromInt(25))
	if got.Cents != 30864 {
		t.Fatalf("got=%d", got.Cents)
	}
	// half away from zero: 0.5 cent rounds up
	got = USD(1).MulDecimal(decimal.RequireFromString("0.5"))
	if got.Cents != 1 {
		t.Fatalf("got=%d", got.Cents)
	}
}

func TestCurrencyMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = USD(1).Add(New(1, "EUR"))
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(MustParse("95.44"))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if string(b) != `{"amount":"95.44","currency":"USD"}` {
		t.Fatalf("got=%s", b)
	}

	for _, in := range []string{`{"amount":"95.44","currency":"USD"}`, `"95.44"`, `95.44`} {
		var m Money
		if err := json.Unmarshal([]byte(in), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if m.Cents != 9544 || m.Currency != "USD" {
			t.Fatalf("unmarshal %s got=%+v", in, m)
		}
	}
}
