package vault

import (
	"bytes"
	"strings"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := testVault(t)
	n := Numbers{Routing: "021000021", Account: "123456789012"}
	sealed, err := v.Seal("acct-1", n)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("123456789012")) {
		t.Fatal("account number visible in sealed bytes")
	}
	got, err := v.Open("acct-1", sealed)
	if err != nil || got != n {
		t.Fatalf("open got=%+v err=%v", got, err)
	}
	if _, err := v.Open("acct-2", sealed); err != ErrOpen {
		t.Fatalf("open with wrong id err=%v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := v.Open("acct-1", sealed); err != ErrOpen {
		t.Fatalf("open tampered err=%v", err)
	}
}

func TestNumbersStringMasks(t *testing.T) {
	s := Numbers{Routing: "021000021", Account: "123456789012"}.String()
	if strings.Contains(s, "12345678") || !strings.Contains(s, "9012") {
		t.Fatalf("got=%s", s)
	}
}

func TestValidateAccountNumber(t *testing.T) {
	for _, ok := range []string{"1", "12345678901234567", "12-345"} {
		if err := ValidateAccountNumber(ok); err != nil {
			t.Fatalf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "123456789012345678", "12a4"} {
		if err := ValidateAccountNumber(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}
