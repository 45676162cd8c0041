package ingestion

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
)

var csvColumns = []string{
	"id", "employee_id", "employee_name", "pay_date", "period_start", "period_end",
	"gross", "federal", "state", "fica", "net", "tax_method", "jurisdiction", "deleted",
}

// ParsePayrollCSV parses a CSV payroll feed. Columns are matched by header
// name, so order is free; "deleted" and "employee_name" may be omitted.
//
// Expected header:
//
//	id,employee_id,employee_name,pay_date,period_start,period_end,gross,federal,state,fica,net,tax_method,jurisdiction,deleted
func ParsePayrollCSV(data []byte) ([]domain.PayrollSnapshot, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, domain.Formatf("read header: %v", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range csvColumns {
		if _, ok := col[name]; !ok && name != "deleted" && name != "employee_name" {
			return nil, domain.Formatf("header is missing column %q", name)
		}
	}

	var runs []domain.PayrollSnapshot
	lineNum := 1
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.Formatf("line %d: %v", lineNum, err)
		}
		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		p, err := csvRun(field)
		if err != nil {
			return nil, domain.Formatf("line %d %v", lineNum, err)
		}
		runs = append(runs, p)
	}
	return runs, nil
}

func csvRun(field func(string) string) (domain.PayrollSnapshot, error) {
	p := domain.PayrollSnapshot{
		ID:           field("id"),
		EmployeeID:   field("employee_id"),
		EmployeeName: field("employee_name"),
		TaxMethod:    field("tax_method"),
		Jurisdiction: strings.ToUpper(field("jurisdiction")),
	}
	var err error
	for _, d := range []struct {
		name string
		dst  *time.Time
	}{
		{"pay_date", &p.PayDate},
		{"period_start", &p.PeriodStart},
		{"period_end", &p.PeriodEnd},
	} {
		if *d.dst, err = parseDate(field(d.name)); err != nil {
			return p, fmt.Errorf("%s: %w", d.name, err)
		}
	}
	for _, m := range []struct {
		name string
		dst  *money.Money
	}{
		{"gross", &p.Gross},
		{"federal", &p.Taxes.Federal},
		{"state", &p.Taxes.State},
		{"fica", &p.Taxes.FICA},
		{"net", &p.Net},
	} {
		if *m.dst, err = money.Parse(field(m.name), money.DefaultCurrency); err != nil {
			return p, fmt.Errorf("%s: %w", m.name, err)
		}
	}
	if v := field("deleted"); v != "" {
		if p.Deleted, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("deleted: %w", err)
		}
	}
	return p, nil
}
