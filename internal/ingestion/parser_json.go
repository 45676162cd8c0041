package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
)

// payrollFeed is the wrapped feed shape; a bare array of entries is also
// accepted.
type payrollFeed struct {
	Runs []payrollEntry `json:"runs"`
}

type payrollEntry struct {
	ID           string            `json:"id"`
	EmployeeID   string            `json:"employee_id"`
	EmployeeName string            `json:"employee_name"`
	PayDate      string            `json:"pay_date"`
	PeriodStart  string            `json:"period_start"`
	PeriodEnd    string            `json:"period_end"`
	Gross        money.Money       `json:"gross"`
	Net          money.Money       `json:"net"`
	Taxes        domain.TaxAmounts `json:"taxes"`
	TaxMethod    string            `json:"tax_method"`
	Jurisdiction string            `json:"jurisdiction"`
	Deleted      bool              `json:"deleted"`
	UpdatedAt    string            `json:"updated_at"`
}

// ParsePayrollJSON parses a JSON payroll feed. Dates may be plain calendar
// dates or RFC 3339 timestamps.
func ParsePayrollJSON(data []byte) ([]domain.PayrollSnapshot, error) {
	var entries []payrollEntry
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, domain.Formatf("unmarshal: %v", err)
		}
	} else {
		var feed payrollFeed
		if err := json.Unmarshal(trimmed, &feed); err != nil {
			return nil, domain.Formatf("unmarshal: %v", err)
		}
		entries = feed.Runs
	}

	runs := make([]domain.PayrollSnapshot, 0, len(entries))
	for i, e := range entries {
		p := domain.PayrollSnapshot{
			ID:           strings.TrimSpace(e.ID),
			EmployeeID:   strings.TrimSpace(e.EmployeeID),
			EmployeeName: strings.TrimSpace(e.EmployeeName),
			Gross:        e.Gross,
			Net:          e.Net,
			Taxes:        e.Taxes,
			TaxMethod:    e.TaxMethod,
			Jurisdiction: strings.ToUpper(strings.TrimSpace(e.Jurisdiction)),
			Deleted:      e.Deleted,
		}
		var err error
		if p.PayDate, err = parseDate(e.PayDate); err != nil {
			return nil, domain.Formatf("entry %d pay_date: %v", i, err)
		}
		if p.PeriodStart, err = parseDate(e.PeriodStart); err != nil {
			return nil, domain.Formatf("entry %d period_start: %v", i, err)
		}
		if p.PeriodEnd, err = parseDate(e.PeriodEnd); err != nil {
			return nil, domain.Formatf("entry %d period_end: %v", i, err)
		}
		if p.UpdatedAt, err = parseDate(e.UpdatedAt); err != nil {
			return nil, domain.Formatf("entry %d updated_at: %v", i, err)
		}
		runs = append(runs, p)
	}
	return runs, nil
}

// parseDate accepts an empty string as the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", s)
		}
	}
	return t.UTC(), nil
}
