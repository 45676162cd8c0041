package nacha

import (
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type batchTotals struct {
	count, hash, debits, credits int64
}

type decoder struct {
	file    File
	batch   *Batch
	totals  batchTotals
	all     batchTotals
	done    bool
	records int
	// wantAddenda is set while the last entry's addenda record is outstanding.
	wantAddenda bool
}

// Decode parses a NACHA file. Any malformed record, check digit failure or
// control total mismatch rejects the whole file with a format error.
func Decode(data []byte) (*File, error) {
	lines := splitRecords(data)
	if len(lines) == 0 {
		return nil, domain.Formatf("file is empty")
	}
	d := &decoder{records: len(lines)}
	for i, line := range lines {
		if err := d.record(i, line); err != nil {
			return nil, domain.Formatf("line %d: %v", i+1, err)
		}
	}
	if !d.done {
		return nil, domain.Formatf("missing file control record")
	}
	return &d.file, nil
}

func splitRecords(data []byte) []string {
	raw := strings.Split(string(data), "\n")
	for len(raw) > 0 && strings.TrimRight(raw[len(raw)-1], "\r") == "" {
		raw = raw[:len(raw)-1]
	}
	for i := range raw {
		raw[i] = strings.TrimRight(raw[i], "\r")
	}
	return raw
}

func (d *decoder) record(i int, line string) error {
	if len(line) != RecordLen {
		return fmt.Errorf("record is %d characters, want %d", len(line), RecordLen)
	}
	if d.done {
		if line != fillerRecord {
			return fmt.Errorf("data after file control record")
		}
		return nil
	}
	if i == 0 && line[0] != '1' {
		return fmt.Errorf("file must start with a file header")
	}
	switch line[0] {
	case '1':
		if i != 0 {
			return fmt.Errorf("unexpected file header")
		}
		return d.fileHeader(line)
	case '5':
		if d.batch != nil {
			return fmt.Errorf("batch header before previous batch control")
		}
		return d.batchHeader(line)
	case '6':
		if d.batch == nil {
			return fmt.Errorf("entry outside a batch")
		}
		return d.entry(line)
	case '7':
		if d.batch == nil {
			return fmt.Errorf("addenda outside a batch")
		}
		return d.addenda(line)
	case '8':
		if d.batch == nil {
			return fmt.Errorf("batch control without batch header")
		}
		return d.batchControl(line)
	case '9':
		if d.batch != nil {
			return fmt.Errorf("file control inside an open batch")
		}
		return d.fileControl(line)
	}
	return fmt.Errorf("unknown record type %q", line[0])
}

func (d *decoder) fileHeader(line string) error {
	v, err := FileHeaderLayout.Parse(line)
	if err != nil {
		return err
	}
	created, err := time.Parse("0601021504", v["FileCreationDate"]+v["FileCreationTime"])
	if err != nil {
		return fmt.Errorf("bad file creation date %q", v["FileCreationDate"]+v["FileCreationTime"])
	}
	d.file.Header = FileHeader{
		ImmediateDestination: strings.TrimSpace(v["ImmediateDestination"]),
		ImmediateOrigin:      strings.TrimSpace(v["ImmediateOrigin"]),
		DestinationName:      strings.TrimSpace(v["ImmediateDestinationName"]),
		OriginName:           strings.TrimSpace(v["ImmediateOriginName"]),
		CreatedAt:            created,
		IDModifier:           v["FileIDModifier"],
		ReferenceCode:        strings.TrimSpace(v["ReferenceCode"]),
	}
	return nil
}

func (d *decoder) batchHeader(line string) error {
	v, err := BatchHeaderLayout.Parse(line)
	if err != nil {
		return err
	}
	class, _ := atoi(v["ServiceClassCode"])
	switch class {
	case ServiceMixed, ServiceCredits, ServiceDebits:
	default:
		return fmt.Errorf("unknown service class %d", class)
	}
	var eff time.Time
	if s := strings.TrimSpace(v["EffectiveEntryDate"]); s != "" {
		if eff, err = time.Parse("060102", s); err != nil {
			return fmt.Errorf("bad effective entry date %q", s)
		}
	}
	number, _ := atoi(v["BatchNumber"])
	d.batch = &Batch{Header: BatchHeader{
		CompanyName:          strings.TrimSpace(v["CompanyName"]),
		CompanyDiscretionary: strings.TrimSpace(v["CompanyDiscretionaryData"]),
		CompanyID:            strings.TrimSpace(v["CompanyIdentification"]),
		SEC:                  strings.TrimSpace(v["StandardEntryClass"]),
		EntryDescription:     strings.TrimSpace(v["CompanyEntryDescription"]),
		DescriptiveDate:      strings.TrimSpace(v["CompanyDescriptiveDate"]),
		EffectiveDate:        eff,
		ODFI:                 v["ODFIIdentification"],
		BatchNumber:          int(number),
		ServiceClass:         int(class),
	}}
	d.totals = batchTotals{}
	return nil
}

func (d *decoder) entry(line string) error {
	v, err := EntryDetailLayout.Parse(line)
	if err != nil {
		return err
	}
	if err := d.checkAddenda(); err != nil {
		return err
	}
	code, _ := atoi(v["TransactionCode"])
	if !validCode(int(code)) {
		return fmt.Errorf("unknown transaction code %d", code)
	}
	rdfi := v["ReceivingDFI"] + v["CheckDigit"]
	if !ValidRouting(rdfi) {
		return fmt.Errorf("check digit mismatch on trace %s", v["TraceNumber"])
	}
	amount, err := atoi(v["Amount"])
	if err != nil {
		return fmt.Errorf("bad amount %q", v["Amount"])
	}
	e := Entry{
		TransactionCode: int(code),
		RDFI:            rdfi,
		Account:         strings.TrimSpace(v["DFIAccountNumber"]),
		Amount:          amount,
		IndividualID:    strings.TrimSpace(v["IndividualID"]),
		IndividualName:  strings.TrimSpace(v["IndividualName"]),
		Discretionary:   strings.TrimSpace(v["DiscretionaryData"]),
		TraceNumber:     v["TraceNumber"],
	}
	switch v["AddendaIndicator"] {
	case "0":
	case "1":
		d.wantAddenda = true
	default:
		return fmt.Errorf("bad addenda indicator %q", v["AddendaIndicator"])
	}
	d.batch.Entries = append(d.batch.Entries, e)

	d.totals.count++
	prefix, _ := atoi(rdfi[:8])
	d.totals.hash += prefix
	if IsDebit(e.TransactionCode) {
		d.totals.debits += amount
	} else {
		d.totals.credits += amount
	}
	return nil
}

func (d *decoder) checkAddenda() error {
	if d.wantAddenda {
		e := d.batch.Entries[len(d.batch.Entries)-1]
		return fmt.Errorf("entry %s is missing its addenda record", e.TraceNumber)
	}
	return nil
}

func (d *decoder) addenda(line string) error {
	n := len(d.batch.Entries)
	if n == 0 {
		return fmt.Errorf("addenda without an entry")
	}
	e := &d.batch.Entries[n-1]
	if !d.wantAddenda {
		return fmt.Errorf("unexpected addenda after trace %s", e.TraceNumber)
	}
	var (
		v   map[string]string
		err error
		a   Addenda
	)
	switch line[1:3] {
	case AddendaReturn:
		if v, err = ReturnAddendaLayout.Parse(line); err != nil {
			return err
		}
		a = Addenda{
			Type:          AddendaReturn,
			Code:          strings.TrimSpace(v["ReturnReasonCode"]),
			DateOfDeath:   strings.TrimSpace(v["DateOfDeath"]),
			Info:          strings.TrimSpace(v["AddendaInformation"]),
			OriginalRDFI:  v["OriginalRDFI"],
			OriginalTrace: v["OriginalTrace"],
			TraceNumber:   v["TraceNumber"],
		}
	case AddendaNOC:
		if v, err = NOCAddendaLayout.Parse(line); err != nil {
			return err
		}
		a = Addenda{
			Type:          AddendaNOC,
			Code:          strings.TrimSpace(v["ChangeCode"]),
			Info:          strings.TrimSpace(v["CorrectedData"]),
			OriginalRDFI:  v["OriginalRDFI"],
			OriginalTrace: v["OriginalTrace"],
			TraceNumber:   v["TraceNumber"],
		}
	default:
		return fmt.Errorf("addenda type %q is not supported", line[1:3])
	}
	if a.TraceNumber != e.TraceNumber {
		return fmt.Errorf("addenda trace %s does not match entry trace %s", a.TraceNumber, e.TraceNumber)
	}
	e.Addenda = &a
	d.wantAddenda = false
	d.totals.count++
	return nil
}

func (d *decoder) batchControl(line string) error {
	v, err := BatchControlLayout.Parse(line)
	if err != nil {
		return err
	}
	if err := d.checkAddenda(); err != nil {
		return err
	}
	h := d.batch.Header
	class, _ := atoi(v["ServiceClassCode"])
	number, _ := atoi(v["BatchNumber"])
	if int(class) != h.ServiceClass || int(number) != h.BatchNumber {
		return fmt.Errorf("batch control does not match batch header %d", h.BatchNumber)
	}
	t := d.totals
	t.hash %= hashModulus
	if err := compare(v, map[string]int64{
		"EntryAddendaCount": t.count,
		"EntryHash":         t.hash,
		"TotalDebit":        t.debits,
		"TotalCredit":       t.credits,
	}); err != nil {
		return fmt.Errorf("batch %d: %v", h.BatchNumber, err)
	}
	d.file.Batches = append(d.file.Batches, *d.batch)
	d.all.count += t.count
	d.all.hash += t.hash
	d.all.debits += t.debits
	d.all.credits += t.credits
	d.batch = nil
	return nil
}

func (d *decoder) fileControl(line string) error {
	if line == fillerRecord {
		return fmt.Errorf("filler record before file control")
	}
	v, err := FileControlLayout.Parse(line)
	if err != nil {
		return err
	}
	blocks := (d.records + blockingFactor - 1) / blockingFactor
	if err := compare(v, map[string]int64{
		"BatchCount":        int64(len(d.file.Batches)),
		"BlockCount":        int64(blocks),
		"EntryAddendaCount": d.all.count,
		"EntryHash":         d.all.hash % hashModulus,
		"TotalDebit":        d.all.debits,
		"TotalCredit":       d.all.credits,
	}); err != nil {
		return fmt.Errorf("file control: %v", err)
	}
	d.done = true
	return nil
}

func compare(v map[string]string, want map[string]int64) error {
	for _, name := range []string{"BatchCount", "BlockCount", "EntryAddendaCount", "EntryHash", "TotalDebit", "TotalCredit"} {
		w, ok := want[name]
		if !ok {
			continue
		}
		got, err := atoi(v[name])
		if err != nil {
			return fmt.Errorf("bad %s %q", name, v[name])
		}
		if got != w {
			return fmt.Errorf("%s is %d, computed %d", name, got, w)
		}
	}
	return nil
}
