package config

import (
	"strings"
	"testing"
	"time"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.Port != "8080" || cfg.MaxBatchEntries != 10000 || cfg.MaxConfirmAttempts != 3 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.RecoveryCapPercent.String() != "25" {
		t.Fatalf("cap got=%s", cfg.RecoveryCapPercent)
	}
	if cfg.TaxServiceTimeout != 5*time.Second || len(cfg.VaultKey) != 32 {
		t.Fatalf("timeout=%s key=%d", cfg.TaxServiceTimeout, len(cfg.VaultKey))
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"MAX_BATCH_ENTRIES":    "3",
		"RECOVERY_CAP_PERCENT": "12.5",
		"TAX_SERVICE_TIMEOUT":  "250ms",
		"CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
		"ODFI_ROUTING":         "12345678",
	}))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if cfg.MaxBatchEntries != 3 || cfg.RecoveryCapPercent.String() != "12.5" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.TaxServiceTimeout != 250*time.Millisecond {
		t.Fatalf("timeout got=%s", cfg.TaxServiceTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins got=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.Originator.ODFIRouting != "12345678" {
		t.Fatalf("odfi got=%s", cfg.Originator.ODFIRouting)
	}
}

func TestInvalidValuesFailFast(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{
		"MAX_BATCH_ENTRIES":    "0",
		"RECOVERY_CAP_PERCENT": "150",
		"ACCOUNT_VAULT_KEY":    "abcd",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"MAX_BATCH_ENTRIES", "RECOVERY_CAP_PERCENT", "ACCOUNT_VAULT_KEY"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "abcd") {
		t.Fatal("vault key leaked into error")
	}
}
