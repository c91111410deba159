// Package completion scores how much of a review form has been filled in.
//
// A field counts as filled only when it holds a non-zero value, so a real
// answer of zero (for example zero dependents) reads as unanswered. That is
// the documented behavior of the form and is kept as is.
package completion

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"creditauth/api/internal/workflow"
)

const (
	ApplicantMax = 7
	FinancialMax = 9
	VehicleMax   = 6
	TotalPoints  = ApplicantMax + FinancialMax + VehicleMax

	// CompleteThreshold is the percentage that unlocks submission.
	CompleteThreshold = 85
	// MaxMissingFields bounds the list shown next to the progress bar.
	MaxMissingFields = 5

	incomeBonus          = 2
	expenseBonus         = 1
	incomeCellsRequired  = 6
	expenseCellsRequired = 4
)

type SectionScore struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Max   int    `json:"max"`
}

type Report struct {
	Percent       int            `json:"percent"`
	IsComplete    bool           `json:"isComplete"`
	Points        int            `json:"points"`
	Sections      []SectionScore `json:"sections"`
	MissingFields []string       `json:"missingFields"`
}

type field struct {
	name   string
	filled bool
}

// Score is pure and monotonic: filling a field never lowers the result.
func Score(data workflow.AuthorizationData) Report {
	var missing []string
	tally := func(fields []field) int {
		n := 0
		for _, f := range fields {
			if f.filled {
				n++
				continue
			}
			missing = append(missing, f.name)
		}
		return n
	}

	a := data.Applicant
	applicant := tally([]field{
		{"applicant.fullName", text(a.FullName)},
		{"applicant.taxId", text(a.TaxID)},
		{"applicant.birthDate", text(a.BirthDate)},
		{"applicant.maritalStatus", text(a.MaritalStatus)},
		{"applicant.dependents", a.Dependents != 0},
		{"applicant.occupation", text(a.Occupation)},
		{"applicant.employmentYears", a.EmploymentYears != 0},
	})

	f := data.Financial
	financial := tally([]field{
		{"financial.requestedAmount", nonZero(f.RequestedAmount)},
		{"financial.termMonths", f.TermMonths != 0},
		{"financial.rate", nonZero(f.Rate)},
		{"financial.openingFee", nonZero(f.OpeningFee)},
		{"financial.declaredCapacity", nonZero(f.DeclaredCapacity)},
		{"financial.declaredDiscount", nonZero(f.DeclaredDiscount)},
	})
	incomeCells, expenseCells := 0, 0
	for _, month := range data.Months {
		incomeCells += countNonZero(month.IncomeCells())
		expenseCells += countNonZero(month.ExpenseCells())
	}
	if incomeCells >= incomeCellsRequired {
		financial += incomeBonus
	} else {
		missing = append(missing, "financial.incomeHistory")
	}
	if expenseCells >= expenseCellsRequired {
		financial += expenseBonus
	} else {
		missing = append(missing, "financial.expenseHistory")
	}
	financial = min(financial, FinancialMax)

	v := data.Vehicle
	vehicle := tally([]field{
		{"vehicle.agency", text(v.Agency)},
		{"vehicle.brand", text(v.Brand)},
		{"vehicle.model", text(v.Model)},
		{"vehicle.year", v.Year != 0},
		{"vehicle.saleValue", nonZero(v.SaleValue)},
		{"vehicle.bookValue", nonZero(v.BookValue)},
	})

	points := applicant + financial + vehicle
	percent := int(math.Round(float64(points) * 100 / TotalPoints))
	if len(missing) > MaxMissingFields {
		missing = missing[:MaxMissingFields]
	}
	if missing == nil {
		missing = []string{}
	}
	return Report{
		Percent:    percent,
		IsComplete: percent >= CompleteThreshold,
		Points:     points,
		Sections: []SectionScore{
			{Name: "applicant", Score: applicant, Max: ApplicantMax},
			{Name: "financial", Score: financial, Max: FinancialMax},
			{Name: "vehicle", Score: vehicle, Max: VehicleMax},
		},
		MissingFields: missing,
	}
}

func text(s string) bool {
	return strings.TrimSpace(s) != ""
}

func nonZero(d decimal.Decimal) bool {
	return !d.IsZero()
}

func countNonZero(cells []decimal.Decimal) int {
	n := 0
	for _, c := range cells {
		if !c.IsZero() {
			n++
		}
	}
	return n
}
