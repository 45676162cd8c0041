// Command generate writes the payroll seed feed under testdata/. Output is
// deterministic for a given seed.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/money"
	"github.com/wakala/paysettle/internal/taxsvc"
)

type entry struct {
	ID           string            `json:"id"`
	EmployeeID   string            `json:"employee_id"`
	EmployeeName string            `json:"employee_name"`
	PayDate      string            `json:"pay_date"`
	PeriodStart  string            `json:"period_start"`
	PeriodEnd    string            `json:"period_end"`
	Gross        string            `json:"gross"`
	Net          string            `json:"net"`
	Taxes        map[string]string `json:"taxes"`
	TaxMethod    string            `json:"tax_method"`
	Jurisdiction string            `json:"jurisdiction"`
	Deleted      bool              `json:"deleted,omitempty"`
}

var (
	firstNames    = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Ken", "Radia", "Donald", "Frances", "Leslie"}
	lastNames     = []string{"Park", "Hopper", "Turing", "Dijkstra", "Liskov", "Thompson", "Perlman", "Knuth", "Allen", "Lamport"}
	jurisdictions = []string{"CA", "NY", "TX", "WA", "IL", "FL", "MA", "CO"}
)

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()
	tax := taxsvc.NewFlatRate()
	ctx := context.Background()

	// Three biweekly Friday pay dates ending before the current period.
	payDates := []time.Time{
		time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 11, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC),
	}

	type employee struct {
		id, name, jurisdiction string
		salaryCents            int64
	}
	employees := make([]employee, 25)
	for i := range employees {
		employees[i] = employee{
			id:           fmt.Sprintf("emp-%03d", i+1),
			name:         firstNames[rng.Intn(len(firstNames))] + " " + lastNames[rng.Intn(len(lastNames))],
			jurisdiction: jurisdictions[rng.Intn(len(jurisdictions))],
			// Biweekly gross between 1,200.00 and 4,800.00.
			salaryCents: 120000 + rng.Int63n(360000),
		}
	}

	var entries []entry
	for _, pd := range payDates {
		for _, e := range employees {
			gross := money.USD(e.salaryCents)
			method := "aggregate"
			// 10% of runs carry a supplemental bonus taxed at the flat rate.
			if rng.Float64() < 0.10 {
				gross = gross.Add(money.USD(10000 * (1 + rng.Int63n(10))))
				method = "supplemental"
			}
			t, err := tax.ComputeTax(ctx, taxsvc.Request{WageDelta: gross, Jurisdiction: e.jurisdiction, Method: method})
			if err != nil {
				panic(err)
			}
			entries = append(entries, entry{
				ID:           fmt.Sprintf("pr-%s-%s", pd.Format("20060102"), e.id[4:]),
				EmployeeID:   e.id,
				EmployeeName: e.name,
				PayDate:      pd.Format(domain.DateLayout),
				PeriodStart:  pd.AddDate(0, 0, -14).Format(domain.DateLayout),
				PeriodEnd:    pd.AddDate(0, 0, -1).Format(domain.DateLayout),
				Gross:        gross.String(),
				Net:          gross.Sub(t.Total()).String(),
				Taxes: map[string]string{
					"federal": t.Federal.String(), "state": t.State.String(), "fica": t.FICA.String(),
				},
				TaxMethod:    method,
				Jurisdiction: e.jurisdiction,
			})
		}
	}
	// One run voided upstream after the fact.
	entries[len(entries)-1].Deleted = true

	writeJSONFile(filepath.Join(baseDir, "payroll_runs.json"), entries)
	fmt.Printf("Generated %d payroll runs -> payroll_runs.json\n", len(entries))

	writeCSVFile(filepath.Join(baseDir, "payroll_runs.csv"), entries[:len(employees)])
	fmt.Printf("Generated %d payroll runs -> payroll_runs.csv\n", len(employees))
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func writeCSVFile(path string, entries []entry) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	w.Write([]string{
		"id", "employee_id", "employee_name", "pay_date", "period_start", "period_end",
		"gross", "federal", "state", "fica", "net", "tax_method", "jurisdiction", "deleted",
	})
	for _, e := range entries {
		w.Write([]string{
			e.ID, e.EmployeeID, e.EmployeeName, e.PayDate, e.PeriodStart, e.PeriodEnd,
			e.Gross, e.Taxes["federal"], e.Taxes["state"], e.Taxes["fica"], e.Net,
			e.TaxMethod, e.Jurisdiction, strconv.FormatBool(e.Deleted),
		})
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "./testdata", "../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
