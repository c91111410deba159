// Package viability turns three months of declared income and expenses into a
// payment-capacity ratio and a risk band.
package viability

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

type Classification string

const (
	NotComputable Classification = "not_computable"
	NotViable     Classification = "not_viable"
	Risky         Classification = "risky"
	Acceptable    Classification = "acceptable"
	Optimal       Classification = "optimal"
	Excellent     Classification = "excellent"
)

// Months is the fixed number of reviewed months.
const Months = 3

var (
	debtServiceCeiling = decimal.RequireFromString("0.4")
	months             = decimal.NewFromInt(Months)

	bandRisky      = decimal.RequireFromString("1.0")
	bandAcceptable = decimal.RequireFromString("1.2")
	bandOptimal    = decimal.RequireFromString("1.4")
	bandExcellent  = decimal.RequireFromString("1.8")
)

// MonthlyEntry is one reviewed month. Zero values stand for missing components.
type MonthlyEntry struct {
	Payroll          decimal.Decimal `json:"payroll"`
	Commissions      decimal.Decimal `json:"commissions"`
	Business         decimal.Decimal `json:"business"`
	Cash             decimal.Decimal `json:"cash"`
	CommittedDebt    decimal.Decimal `json:"committedDebt"`
	PersonalExpenses decimal.Decimal `json:"personalExpenses"`
	BusinessExpenses decimal.Decimal `json:"businessExpenses"`
}

func (e MonthlyEntry) IncomeTotal() decimal.Decimal {
	return e.Payroll.Add(e.Commissions).Add(e.Business).Add(e.Cash)
}

func (e MonthlyEntry) ExpenseTotal() decimal.Decimal {
	return e.CommittedDebt.Add(e.PersonalExpenses).Add(e.BusinessExpenses)
}

// IncomeCells returns the four income components in display order.
func (e MonthlyEntry) IncomeCells() []decimal.Decimal {
	return []decimal.Decimal{e.Payroll, e.Commissions, e.Business, e.Cash}
}

// ExpenseCells returns the three expense components in display order.
func (e MonthlyEntry) ExpenseCells() []decimal.Decimal {
	return []decimal.Decimal{e.CommittedDebt, e.PersonalExpenses, e.BusinessExpenses}
}

type Result struct {
	IncomeTotals    [Months]decimal.Decimal `json:"incomeTotals"`
	ExpenseTotals   [Months]decimal.Decimal `json:"expenseTotals"`
	AverageIncome   decimal.Decimal         `json:"averageIncome"`
	AverageExpense  decimal.Decimal         `json:"averageExpense"`
	AvailableIncome decimal.Decimal         `json:"availableIncome"`
	PaymentCapacity decimal.Decimal         `json:"paymentCapacity"`
	// DeclaredCapacity is the reviewer-entered figure, reported next to the
	// computed one and never merged into it.
	DeclaredCapacity *decimal.Decimal `json:"declaredCapacity,omitempty"`
	MonthlyPayment   decimal.Decimal  `json:"monthlyPayment"`
	Ratio            *decimal.Decimal `json:"ratio"`
	Classification   Classification   `json:"classification"`
	Surplus          decimal.Decimal  `json:"surplus"`
}

// Computable reports whether a ratio exists for this result.
func (r Result) Computable() bool {
	return r.Ratio != nil
}

// Evaluate is deterministic and has no side effects. Surplus is measured
// against the declared capacity when one is given, otherwise against the
// computed payment capacity.
func Evaluate(entries [Months]MonthlyEntry, monthlyPayment decimal.Decimal, declaredCapacity *decimal.Decimal) Result {
	var res Result
	incomeSum := decimal.Zero
	expenseSum := decimal.Zero
	for i, entry := range entries {
		res.IncomeTotals[i] = entry.IncomeTotal()
		res.ExpenseTotals[i] = entry.ExpenseTotal()
		incomeSum = incomeSum.Add(res.IncomeTotals[i])
		expenseSum = expenseSum.Add(res.ExpenseTotals[i])
	}

	res.AverageIncome = incomeSum.Div(months)
	res.AverageExpense = expenseSum.Div(months)
	res.AvailableIncome = res.AverageIncome.Sub(res.AverageExpense)
	res.PaymentCapacity = debtServiceCeiling.Mul(res.AvailableIncome)
	res.MonthlyPayment = monthlyPayment

	reference := res.PaymentCapacity
	if declaredCapacity != nil {
		declared := *declaredCapacity
		res.DeclaredCapacity = &declared
		reference = declared
	}
	res.Surplus = res.AvailableIncome.Sub(reference)

	if !monthlyPayment.IsPositive() {
		res.Classification = NotComputable
		return res
	}
	ratio := res.PaymentCapacity.Div(monthlyPayment)
	res.Ratio = &ratio
	res.Classification = Classify(ratio)
	return res
}

// Classify applies the closed-open bands; the first match wins.
func Classify(ratio decimal.Decimal) Classification {
	switch {
	case ratio.LessThan(bandRisky):
		return NotViable
	case ratio.LessThan(bandAcceptable):
		return Risky
	case ratio.LessThan(bandOptimal):
		return Acceptable
	case ratio.LessThan(bandExcellent):
		return Optimal
	default:
		return Excellent
	}
}

// SuggestedRisk maps a band to the risk tag a reviewer would usually pick.
// Nothing applies it automatically.
func SuggestedRisk(c Classification) string {
	switch c {
	case Excellent, Optimal:
		return "Low"
	case Acceptable:
		return "Medium"
	case Risky:
		return "High"
	case NotViable:
		return "Critical"
	default:
		return ""
	}
}

// Memo remembers the most recent input and its result. Edits that do not
// touch the financial table reuse the previous evaluation.
type Memo struct {
	mu     sync.Mutex
	key    string
	result Result
	ok     bool
	hits   int
}

func (m *Memo) Evaluate(entries [Months]MonthlyEntry, monthlyPayment decimal.Decimal, declaredCapacity *decimal.Decimal) Result {
	key := memoKey(entries, monthlyPayment, declaredCapacity)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ok && m.key == key {
		m.hits++
		return m.result
	}
	m.result = Evaluate(entries, monthlyPayment, declaredCapacity)
	m.key = key
	m.ok = true
	return m.result
}

// Hits reports how many calls were answered from the cache.
func (m *Memo) Hits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}

func memoKey(entries [Months]MonthlyEntry, monthlyPayment decimal.Decimal, declaredCapacity *decimal.Decimal) string {
	var b strings.Builder
	for _, entry := range entries {
		for _, cell := range entry.IncomeCells() {
			b.WriteString(cell.String())
			b.WriteByte(',')
		}
		for _, cell := range entry.ExpenseCells() {
			b.WriteString(cell.String())
			b.WriteByte(',')
		}
		b.WriteByte('|')
	}
	b.WriteString(monthlyPayment.String())
	b.WriteByte('|')
	if declaredCapacity != nil {
		b.WriteString(declaredCapacity.String())
	} else {
		b.WriteByte('-')
	}
	return b.String()
}
