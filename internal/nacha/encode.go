package nacha

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/wakala/paysettle/internal/domain"
)

const (
	blockingFactor = 10
	hashModulus    = 10_000_000_000
	maxEntryAmount = 9_999_999_999
)

var fillerRecord = strings.Repeat("9", RecordLen)

type renderedBatch struct {
	lines   []string
	count   int64 // entries plus addenda
	hash    int64
	debits  int64
	credits int64
}

// Encode renders f as a NACHA file. Batches are rendered concurrently;
// entries within a batch are ordered by trace number, so identical input
// always produces identical bytes.
func Encode(ctx context.Context, f *File) ([]byte, error) {
	if len(f.Batches) == 0 {
		return nil, domain.Validationf("file has no batches")
	}
	header, err := encodeFileHeader(f.Header)
	if err != nil {
		return nil, domain.Validationf("%v", err)
	}

	rendered := make([]renderedBatch, len(f.Batches))
	g, ctx := errgroup.WithContext(ctx)
	for i := range f.Batches {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			number := f.Batches[i].Header.BatchNumber
			if number == 0 {
				number = i + 1
			}
			rb, err := encodeBatch(f.Batches[i], number)
			if err != nil {
				return domain.Validationf("batch %d: %v", number, err)
			}
			rendered[i] = rb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lines := []string{header}
	var count, hash, debits, credits int64
	for _, rb := range rendered {
		lines = append(lines, rb.lines...)
		count += rb.count
		hash += rb.hash
		debits += rb.debits
		credits += rb.credits
	}
	records := len(lines) + 1
	blocks := (records + blockingFactor - 1) / blockingFactor
	control, err := FileControlLayout.Format(map[string]string{
		"BatchCount":        itoa(int64(len(rendered))),
		"BlockCount":        itoa(int64(blocks)),
		"EntryAddendaCount": itoa(count),
		"EntryHash":         itoa(hash % hashModulus),
		"TotalDebit":        itoa(debits),
		"TotalCredit":       itoa(credits),
	})
	if err != nil {
		return nil, domain.Validationf("%v", err)
	}
	lines = append(lines, control)
	for len(lines)%blockingFactor != 0 {
		lines = append(lines, fillerRecord)
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func encodeFileHeader(h FileHeader) (string, error) {
	modifier := h.IDModifier
	if modifier == "" {
		modifier = "A"
	}
	return FileHeaderLayout.Format(map[string]string{
		"ImmediateDestination":     routingField(h.ImmediateDestination),
		"ImmediateOrigin":          routingField(h.ImmediateOrigin),
		"FileCreationDate":         h.CreatedAt.UTC().Format("060102"),
		"FileCreationTime":         h.CreatedAt.UTC().Format("1504"),
		"FileIDModifier":           modifier,
		"ImmediateDestinationName": Truncate(h.DestinationName, 23),
		"ImmediateOriginName":      Truncate(h.OriginName, 23),
		"ReferenceCode":            Truncate(h.ReferenceCode, 8),
	})
}

// routingField right-aligns a 9-digit routing number in a 10-character field.
func routingField(s string) string {
	if len(s) == 9 {
		return " " + s
	}
	return s
}

func encodeBatch(b Batch, number int) (renderedBatch, error) {
	entries := make([]Entry, len(b.Entries))
	copy(entries, b.Entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TraceNumber < entries[j].TraceNumber })

	h := b.Header
	class := ServiceClass(entries)
	sec := h.SEC
	if sec == "" {
		sec = "PPD"
	}
	header, err := BatchHeaderLayout.Format(map[string]string{
		"ServiceClassCode":         itoa(int64(class)),
		"CompanyName":              Truncate(h.CompanyName, 16),
		"CompanyDiscretionaryData": Truncate(h.CompanyDiscretionary, 20),
		"CompanyIdentification":    h.CompanyID,
		"StandardEntryClass":       sec,
		"CompanyEntryDescription":  Truncate(h.EntryDescription, 10),
		"CompanyDescriptiveDate":   Truncate(h.DescriptiveDate, 6),
		"EffectiveEntryDate":       h.EffectiveDate.Format("060102"),
		"ODFIIdentification":       h.ODFI,
		"BatchNumber":              itoa(int64(number)),
	})
	if err != nil {
		return renderedBatch{}, err
	}

	rb := renderedBatch{lines: []string{header}}
	for _, e := range entries {
		line, err := encodeEntry(e)
		if err != nil {
			return renderedBatch{}, fmt.Errorf("trace %s: %w", e.TraceNumber, err)
		}
		rb.lines = append(rb.lines, line)
		rb.count++
		n, _ := atoi(e.RDFI[:8])
		rb.hash += n
		if IsDebit(e.TransactionCode) {
			rb.debits += e.Amount
		} else {
			rb.credits += e.Amount
		}
		if e.Addenda != nil {
			line, err := encodeAddenda(*e.Addenda, e.TraceNumber)
			if err != nil {
				return renderedBatch{}, fmt.Errorf("trace %s addenda: %w", e.TraceNumber, err)
			}
			rb.lines = append(rb.lines, line)
			rb.count++
		}
	}
	rb.hash %= hashModulus

	control, err := BatchControlLayout.Format(map[string]string{
		"ServiceClassCode":      itoa(int64(class)),
		"EntryAddendaCount":     itoa(rb.count),
		"EntryHash":             itoa(rb.hash),
		"TotalDebit":            itoa(rb.debits),
		"TotalCredit":           itoa(rb.credits),
		"CompanyIdentification": h.CompanyID,
		"ODFIIdentification":    h.ODFI,
		"BatchNumber":           itoa(int64(number)),
	})
	if err != nil {
		return renderedBatch{}, err
	}
	rb.lines = append(rb.lines, control)
	return rb, nil
}

func encodeEntry(e Entry) (string, error) {
	if !validCode(e.TransactionCode) {
		return "", fmt.Errorf("transaction code %d is not supported", e.TransactionCode)
	}
	if !ValidRouting(e.RDFI) {
		return "", fmt.Errorf("routing number %s fails check digit", maskTail(e.RDFI))
	}
	if e.Amount < 0 || e.Amount > maxEntryAmount {
		return "", fmt.Errorf("amount %d cents out of range", e.Amount)
	}
	if IsPrenote(e.TransactionCode) && e.Amount != 0 {
		return "", fmt.Errorf("prenote must carry a zero amount")
	}
	addenda := "0"
	if e.Addenda != nil {
		addenda = "1"
	}
	return EntryDetailLayout.Format(map[string]string{
		"TransactionCode":   itoa(int64(e.TransactionCode)),
		"ReceivingDFI":      e.RDFI[:8],
		"CheckDigit":        e.RDFI[8:],
		"DFIAccountNumber":  e.Account,
		"Amount":            itoa(e.Amount),
		"IndividualID":      Truncate(e.IndividualID, 15),
		"IndividualName":    Truncate(e.IndividualName, 22),
		"DiscretionaryData": Truncate(e.Discretionary, 2),
		"AddendaIndicator":  addenda,
		"TraceNumber":       e.TraceNumber,
	})
}

func encodeAddenda(a Addenda, entryTrace string) (string, error) {
	trace := a.TraceNumber
	if trace == "" {
		trace = entryTrace
	}
	switch a.Type {
	case AddendaReturn:
		return ReturnAddendaLayout.Format(map[string]string{
			"ReturnReasonCode":   a.Code,
			"OriginalTrace":      a.OriginalTrace,
			"DateOfDeath":        a.DateOfDeath,
			"OriginalRDFI":       a.OriginalRDFI,
			"AddendaInformation": Truncate(a.Info, 44),
			"TraceNumber":        trace,
		})
	case AddendaNOC:
		return NOCAddendaLayout.Format(map[string]string{
			"ChangeCode":    a.Code,
			"OriginalTrace": a.OriginalTrace,
			"OriginalRDFI":  a.OriginalRDFI,
			"CorrectedData": Truncate(a.Info, 29),
			"TraceNumber":   trace,
		})
	}
	return "", fmt.Errorf("addenda type %q is not supported", a.Type)
}

func maskTail(s string) string {
	if len(s) <= 4 {
		return s
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
