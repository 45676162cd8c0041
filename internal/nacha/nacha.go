// Package nacha encodes ACH batches into the fixed-width NACHA file format
// and decodes returned files back into entries, returns and NOCs.
package nacha

import (
	"strconv"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type File struct {
	Header  FileHeader
	Batches []Batch
}

type FileHeader struct {
	// ImmediateDestination and ImmediateOrigin are 9-digit routing numbers
	// (or a 10-character origin identifier).
	ImmediateDestination string
	ImmediateOrigin      string
	DestinationName      string
	OriginName           string
	CreatedAt            time.Time
	IDModifier           string
	ReferenceCode        string
}

type Batch struct {
	Header  BatchHeader
	Entries []Entry
}

type BatchHeader struct {
	CompanyName          string
	CompanyDiscretionary string
	CompanyID            string
	SEC                  string
	EntryDescription     string
	DescriptiveDate      string
	EffectiveDate        time.Time
	ODFI                 string
	BatchNumber          int
	// ServiceClass is derived from the entries on encode and filled on decode.
	ServiceClass int
}

type Entry struct {
	TransactionCode int
	RDFI            string // 9-digit routing number including check digit
	Account         string
	Amount          int64 // cents
	IndividualID    string
	IndividualName  string
	Discretionary   string
	TraceNumber     string
	Addenda         *Addenda
}

const (
	AddendaNOC    = "98"
	AddendaReturn = "99"
)

// Addenda is a return (99) or notification of change (98) addenda record.
type Addenda struct {
	Type          string
	Code          string
	OriginalTrace string
	OriginalRDFI  string
	DateOfDeath   string
	// Info is the addenda information on a return, the corrected data on a NOC.
	Info        string
	TraceNumber string
}

// Transaction codes.
const (
	CheckingReturnCredit  = 21
	CheckingCredit        = 22
	CheckingCreditPrenote = 23
	CheckingReturnDebit   = 26
	CheckingDebit         = 27
	CheckingDebitPrenote  = 28
	SavingsReturnCredit   = 31
	SavingsCredit         = 32
	SavingsCreditPrenote  = 33
	SavingsReturnDebit    = 36
	SavingsDebit          = 37
	SavingsDebitPrenote   = 38
)

// Service class codes.
const (
	ServiceMixed   = 200
	ServiceCredits = 220
	ServiceDebits  = 225
)

// TransactionCode picks the entry code for an account type and direction.
func TransactionCode(savings, debit, prenote bool) int {
	code := CheckingCredit
	if savings {
		code = SavingsCredit
	}
	if debit {
		code += 5
	}
	if prenote {
		code++
	}
	return code
}

func validCode(code int) bool {
	switch code {
	case CheckingReturnCredit, CheckingCredit, CheckingCreditPrenote,
		CheckingReturnDebit, CheckingDebit, CheckingDebitPrenote,
		SavingsReturnCredit, SavingsCredit, SavingsCreditPrenote,
		SavingsReturnDebit, SavingsDebit, SavingsDebitPrenote:
		return true
	}
	return false
}

func IsDebit(code int) bool   { return code%10 >= 6 }
func IsPrenote(code int) bool { return code%10 == 3 || code%10 == 8 }
func IsSavings(code int) bool { return code/10 == 3 }

// ServiceClass returns 220 for credit-only batches, 225 for debit-only and
// 200 otherwise.
func ServiceClass(entries []Entry) int {
	var credits, debits bool
	for _, e := range entries {
		if IsDebit(e.TransactionCode) {
			debits = true
		} else {
			credits = true
		}
	}
	switch {
	case credits && !debits:
		return ServiceCredits
	case debits && !credits:
		return ServiceDebits
	}
	return ServiceMixed
}

// CheckDigit computes the ABA check digit for the first 8 digits of a
// routing number.
func CheckDigit(routing8 string) (int, error) {
	if len(routing8) != 8 || strings.Trim(routing8, "0123456789") != "" {
		return 0, domain.Validationf("routing prefix %q must be 8 digits", routing8)
	}
	weights := [8]int{3, 7, 1, 3, 7, 1, 3, 7}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(routing8[i]-'0') * weights[i]
	}
	return (10 - sum%10) % 10, nil
}

// ValidRouting reports whether s is a 9-digit routing number with a correct
// check digit.
func ValidRouting(s string) bool {
	if len(s) != 9 {
		return false
	}
	d, err := CheckDigit(s[:8])
	if err != nil {
		return false
	}
	return int(s[8]-'0') == d
}

// Notices extracts the returns and NOCs carried by a decoded file, keyed by
// the original trace number of each returned entry.
func (f *File) Notices() []domain.ReturnNotice {
	var out []domain.ReturnNotice
	for _, b := range f.Batches {
		for _, e := range b.Entries {
			if e.Addenda == nil {
				continue
			}
			a := e.Addenda
			n := domain.ReturnNotice{TraceNumber: a.OriginalTrace, ReturnCode: a.Code}
			if a.Type == AddendaNOC {
				n.CorrectedData = a.Info
			} else {
				n.ReturnReason = a.Info
			}
			out = append(out, n)
		}
	}
	return out
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func atoi(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
