// Package config reads runtime settings from the environment, after loading
// an optional .env file. Missing keys take defaults; malformed values fail.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port   string
	DBPath string

	MaxBatchEntries    int
	RecoveryCapPercent decimal.Decimal
	PayPeriodDays      int
	PrenoteWaitDays    int
	PrenoteSweepEvery  time.Duration
	MaxConfirmAttempts int
	MaxRepresentments  int

	TaxServiceURL     string
	TaxServiceTimeout time.Duration
	TaxServiceRetries uint64

	Originator Originator

	VaultKey []byte

	CORSAllowedOrigins []string
	HolidaysPath       string
	SeedPath           string
}

// Originator identifies us in NACHA file and batch headers.
type Originator struct {
	ODFIRouting        string
	CompanyName        string
	CompanyID          string
	DestinationRouting string
	DestinationName    string
	OriginName         string
}

// devVaultKey is used when ACCOUNT_VAULT_KEY is unset so a local run works.
const devVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from any key lookup, e.g. a map in tests.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		Port:               r.str("PORT", "8080"),
		DBPath:             r.str("DB_PATH", "paysettle.db"),
		MaxBatchEntries:    r.positiveInt("MAX_BATCH_ENTRIES", 10000),
		RecoveryCapPercent: r.percent("RECOVERY_CAP_PERCENT", decimal.NewFromInt(25)),
		PayPeriodDays:      r.positiveInt("PAY_PERIOD_DAYS", 14),
		PrenoteWaitDays:    r.positiveInt("PRENOTE_WAIT_DAYS", 3),
		PrenoteSweepEvery:  r.duration("PRENOTE_SWEEP_INTERVAL", time.Hour),
		MaxConfirmAttempts: r.positiveInt("MAX_CONFIRM_ATTEMPTS", 3),
		MaxRepresentments:  r.nonNegativeInt("MAX_REPRESENTMENTS", 2),
		TaxServiceURL:      r.str("TAX_SERVICE_URL", ""),
		TaxServiceTimeout:  r.duration("TAX_SERVICE_TIMEOUT", 5*time.Second),
		TaxServiceRetries:  uint64(r.nonNegativeInt("TAX_SERVICE_RETRIES", 3)),
		Originator: Originator{
			ODFIRouting:        r.digits("ODFI_ROUTING", "07640125", 8),
			CompanyName:        r.str("COMPANY_NAME", "PAYSETTLE"),
			CompanyID:          r.str("COMPANY_ID", "1234567890"),
			DestinationRouting: r.digits("DESTINATION_ROUTING", "076401251", 9),
			DestinationName:    r.str("DESTINATION_NAME", "FEDERAL RESERVE"),
			OriginName:         r.str("ORIGIN_NAME", "PAYSETTLE INC"),
		},
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
		HolidaysPath:       r.str("HOLIDAYS_PATH", ""),
		SeedPath:           r.str("SEED_PATH", "testdata/payroll_runs.json"),
	}
	cfg.VaultKey = r.hexKey("ACCOUNT_VAULT_KEY", devVaultKey, 32)
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if _, set := lookup("ACCOUNT_VAULT_KEY"); !set {
		log.Printf("[config] ACCOUNT_VAULT_KEY not set, using development key")
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key, v, why string) {
	r.errs = append(r.errs, fmt.Sprintf("%s=%q: %s", key, v, why))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def, floor int) int {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < floor {
		r.fail(key, v, fmt.Sprintf("want integer >= %d", floor))
		return def
	}
	return n
}

func (r *reader) positiveInt(key string, def int) int    { return r.integer(key, def, 1) }
func (r *reader) nonNegativeInt(key string, def int) int { return r.integer(key, def, 0) }

func (r *reader) percent(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(100)) {
		r.fail(key, v, "want percentage in (0, 100]")
		return def
	}
	return d
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.fail(key, v, "want positive duration like 30s")
		return def
	}
	return d
}

func (r *reader) digits(key, def string, n int) string {
	v := r.str(key, def)
	if len(v) != n || strings.Trim(v, "0123456789") != "" {
		r.fail(key, v, fmt.Sprintf("want %d digits", n))
		return def
	}
	return v
}

func (r *reader) list(key string, def []string) []string {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) hexKey(key, def string, size int) []byte {
	v := r.str(key, def)
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != size {
		r.fail(key, "<redacted>", fmt.Sprintf("want %d hex characters", size*2))
		b, _ = hex.DecodeString(def)
	}
	return b
}
