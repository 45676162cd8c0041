package nacha

import (
	"fmt"
	"strings"
)

// RecordLen is the width of every NACHA record.
const RecordLen = 94

type Field struct {
	Name  string
	Start int
	End   int
	Type  FieldType
	// Value is the literal for Fixed fields.
	Value string
}

func (f Field) Len() int { return f.End - f.Start + 1 }

type FieldType int

const (
	Alpha   FieldType = iota // left-justified, space-filled, uppercase
	Numeric                  // right-justified, zero-filled digits only
	Fixed                    // literal constant
	Blank                    // must be spaces
)

type Layout struct {
	Name   string
	Fields []Field
}

var FileHeaderLayout = Layout{Name: "file header", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "1"},
	{Name: "PriorityCode", Start: 2, End: 3, Type: Fixed, Value: "01"},
	{Name: "ImmediateDestination", Start: 4, End: 13, Type: Alpha},
	{Name: "ImmediateOrigin", Start: 14, End: 23, Type: Alpha},
	{Name: "FileCreationDate", Start: 24, End: 29, Type: Numeric},
	{Name: "FileCreationTime", Start: 30, End: 33, Type: Numeric},
	{Name: "FileIDModifier", Start: 34, End: 34, Type: Alpha},
	{Name: "RecordSize", Start: 35, End: 37, Type: Fixed, Value: "094"},
	{Name: "BlockingFactor", Start: 38, End: 39, Type: Fixed, Value: "10"},
	{Name: "FormatCode", Start: 40, End: 40, Type: Fixed, Value: "1"},
	{Name: "ImmediateDestinationName", Start: 41, End: 63, Type: Alpha},
	{Name: "ImmediateOriginName", Start: 64, End: 86, Type: Alpha},
	{Name: "ReferenceCode", Start: 87, End: 94, Type: Alpha},
}}

var BatchHeaderLayout = Layout{Name: "batch header", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "5"},
	{Name: "ServiceClassCode", Start: 2, End: 4, Type: Numeric},
	{Name: "CompanyName", Start: 5, End: 20, Type: Alpha},
	{Name: "CompanyDiscretionaryData", Start: 21, End: 40, Type: Alpha},
	{Name: "CompanyIdentification", Start: 41, End: 50, Type: Alpha},
	{Name: "StandardEntryClass", Start: 51, End: 53, Type: Alpha},
	{Name: "CompanyEntryDescription", Start: 54, End: 63, Type: Alpha},
	{Name: "CompanyDescriptiveDate", Start: 64, End: 69, Type: Alpha},
	{Name: "EffectiveEntryDate", Start: 70, End: 75, Type: Numeric},
	{Name: "SettlementDate", Start: 76, End: 78, Type: Blank},
	{Name: "OriginatorStatusCode", Start: 79, End: 79, Type: Fixed, Value: "1"},
	{Name: "ODFIIdentification", Start: 80, End: 87, Type: Numeric},
	{Name: "BatchNumber", Start: 88, End: 94, Type: Numeric},
}}

var EntryDetailLayout = Layout{Name: "entry detail", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "6"},
	{Name: "TransactionCode", Start: 2, End: 3, Type: Numeric},
	{Name: "ReceivingDFI", Start: 4, End: 11, Type: Numeric},
	{Name: "CheckDigit", Start: 12, End: 12, Type: Numeric},
	{Name: "DFIAccountNumber", Start: 13, End: 29, Type: Alpha},
	{Name: "Amount", Start: 30, End: 39, Type: Numeric},
	{Name: "IndividualID", Start: 40, End: 54, Type: Alpha},
	{Name: "IndividualName", Start: 55, End: 76, Type: Alpha},
	{Name: "DiscretionaryData", Start: 77, End: 78, Type: Alpha},
	{Name: "AddendaIndicator", Start: 79, End: 79, Type: Numeric},
	{Name: "TraceNumber", Start: 80, End: 94, Type: Numeric},
}}

// ReturnAddendaLayout is addenda type 99.
var ReturnAddendaLayout = Layout{Name: "return addenda", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "7"},
	{Name: "AddendaType", Start: 2, End: 3, Type: Fixed, Value: "99"},
	{Name: "ReturnReasonCode", Start: 4, End: 6, Type: Alpha},
	{Name: "OriginalTrace", Start: 7, End: 21, Type: Numeric},
	{Name: "DateOfDeath", Start: 22, End: 27, Type: Alpha},
	{Name: "OriginalRDFI", Start: 28, End: 35, Type: Numeric},
	{Name: "AddendaInformation", Start: 36, End: 79, Type: Alpha},
	{Name: "TraceNumber", Start: 80, End: 94, Type: Numeric},
}}

// NOCAddendaLayout is addenda type 98, a notification of change.
var NOCAddendaLayout = Layout{Name: "noc addenda", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "7"},
	{Name: "AddendaType", Start: 2, End: 3, Type: Fixed, Value: "98"},
	{Name: "ChangeCode", Start: 4, End: 6, Type: Alpha},
	{Name: "OriginalTrace", Start: 7, End: 21, Type: Numeric},
	{Name: "Reserved22", Start: 22, End: 27, Type: Blank},
	{Name: "OriginalRDFI", Start: 28, End: 35, Type: Numeric},
	{Name: "CorrectedData", Start: 36, End: 64, Type: Alpha},
	{Name: "Reserved65", Start: 65, End: 79, Type: Blank},
	{Name: "TraceNumber", Start: 80, End: 94, Type: Numeric},
}}

var BatchControlLayout = Layout{Name: "batch control", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "8"},
	{Name: "ServiceClassCode", Start: 2, End: 4, Type: Numeric},
	{Name: "EntryAddendaCount", Start: 5, End: 10, Type: Numeric},
	{Name: "EntryHash", Start: 11, End: 20, Type: Numeric},
	{Name: "TotalDebit", Start: 21, End: 32, Type: Numeric},
	{Name: "TotalCredit", Start: 33, End: 44, Type: Numeric},
	{Name: "CompanyIdentification", Start: 45, End: 54, Type: Alpha},
	{Name: "MessageAuthentication", Start: 55, End: 73, Type: Blank},
	{Name: "Reserved", Start: 74, End: 79, Type: Blank},
	{Name: "ODFIIdentification", Start: 80, End: 87, Type: Numeric},
	{Name: "BatchNumber", Start: 88, End: 94, Type: Numeric},
}}

var FileControlLayout = Layout{Name: "file control", Fields: []Field{
	{Name: "RecordType", Start: 1, End: 1, Type: Fixed, Value: "9"},
	{Name: "BatchCount", Start: 2, End: 7, Type: Numeric},
	{Name: "BlockCount", Start: 8, End: 13, Type: Numeric},
	{Name: "EntryAddendaCount", Start: 14, End: 21, Type: Numeric},
	{Name: "EntryHash", Start: 22, End: 31, Type: Numeric},
	{Name: "TotalDebit", Start: 32, End: 43, Type: Numeric},
	{Name: "TotalCredit", Start: 44, End: 55, Type: Numeric},
	{Name: "Reserved", Start: 56, End: 94, Type: Blank},
}}

// Format renders values into a 94-character record. Missing values render
// as zeros or spaces; a value too wide for its field is an error.
func (l Layout) Format(values map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(RecordLen)
	for _, f := range l.Fields {
		if b.Len() != f.Start-1 {
			return "", fmt.Errorf("%s layout gap before %s", l.Name, f.Name)
		}
		v := values[f.Name]
		switch f.Type {
		case Fixed:
			v = f.Value
		case Blank:
			v = strings.Repeat(" ", f.Len())
		case Numeric:
			if strings.Trim(v, "0123456789") != "" {
				return "", fmt.Errorf("%s %s: %q is not numeric", l.Name, f.Name, v)
			}
			if len(v) > f.Len() {
				return "", fmt.Errorf("%s %s: %q exceeds %d digits", l.Name, f.Name, v, f.Len())
			}
			v = strings.Repeat("0", f.Len()-len(v)) + v
		case Alpha:
			v = strings.ToUpper(v)
			if len(v) > f.Len() {
				return "", fmt.Errorf("%s %s: %q exceeds %d characters", l.Name, f.Name, v, f.Len())
			}
			v += strings.Repeat(" ", f.Len()-len(v))
		}
		b.WriteString(v)
	}
	if b.Len() != RecordLen {
		return "", fmt.Errorf("%s layout is %d characters", l.Name, b.Len())
	}
	return b.String(), nil
}

// Parse splits a record into raw field values. Fixed fields must match.
func (l Layout) Parse(line string) (map[string]string, error) {
	if len(line) != RecordLen {
		return nil, fmt.Errorf("%s record is %d characters, want %d", l.Name, len(line), RecordLen)
	}
	out := make(map[string]string, len(l.Fields))
	for _, f := range l.Fields {
		raw := line[f.Start-1 : f.End]
		switch f.Type {
		case Fixed:
			if raw != f.Value {
				return nil, fmt.Errorf("%s %s: got %q want %q", l.Name, f.Name, raw, f.Value)
			}
		case Numeric:
			if t := strings.TrimSpace(raw); t != "" && strings.Trim(t, "0123456789") != "" {
				return nil, fmt.Errorf("%s %s: %q is not numeric", l.Name, f.Name, raw)
			}
		}
		out[f.Name] = raw
	}
	return out, nil
}

// Truncate cuts s to fit an Alpha field of size n.
func Truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
