package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"creditauth/api/internal/viability"
)

const (
	LegacySchemaVersion  = 1
	CurrentSchemaVersion = 2

	MonthLabelLayout = "2006-01"
)

type MonthlyFinancialEntry = viability.MonthlyEntry

type ApplicantProfile struct {
	FullName        string `json:"fullName"`
	TaxID           string `json:"taxId"`
	BirthDate       string `json:"birthDate"`
	MaritalStatus   string `json:"maritalStatus"`
	Dependents      int    `json:"dependents"`
	Occupation      string `json:"occupation"`
	EmploymentYears int    `json:"employmentYears"`
	// PEP is carried for compliance and never evaluated here.
	PEP bool `json:"pep"`
}

type FinancialProfile struct {
	RequestedAmount  decimal.Decimal `json:"requestedAmount"`
	TermMonths       int             `json:"termMonths"`
	MonthlyPayment   decimal.Decimal `json:"monthlyPayment"`
	Rate             decimal.Decimal `json:"rate"`
	OpeningFee       decimal.Decimal `json:"openingFee"`
	DeclaredCapacity decimal.Decimal `json:"declaredCapacity"`
	DeclaredDiscount decimal.Decimal `json:"declaredDiscount"`
}

// DeclaredCapacityRef returns nil when no capacity was declared.
func (f FinancialProfile) DeclaredCapacityRef() *decimal.Decimal {
	if f.DeclaredCapacity.IsZero() {
		return nil
	}
	v := f.DeclaredCapacity
	return &v
}

type VehicleReview struct {
	Agency    string          `json:"agency"`
	Brand     string          `json:"brand"`
	Model     string          `json:"model"`
	Year      int             `json:"year"`
	SaleValue decimal.Decimal `json:"saleValue"`
	BookValue decimal.Decimal `json:"bookValue"`
}

// AuthorizationData is the review-form working copy stored with a request.
type AuthorizationData struct {
	SchemaVersion int                                     `json:"schemaVersion"`
	Applicant     ApplicantProfile                        `json:"applicant"`
	Financial     FinancialProfile                        `json:"financial"`
	Months        [viability.Months]MonthlyFinancialEntry `json:"months"`
	MonthLabels   [viability.Months]string                `json:"monthLabels"`
	LabelsFrozen  bool                                    `json:"labelsFrozen"`
	Competitors   []Competitor                            `json:"competitors"`
	Vehicle       VehicleReview                           `json:"vehicle"`
	Aggregates    *viability.Result                       `json:"aggregates,omitempty"`
}

func NewAuthorizationData() AuthorizationData {
	return AuthorizationData{SchemaVersion: CurrentSchemaVersion, Competitors: []Competitor{}}
}

func (d AuthorizationData) Clone() AuthorizationData {
	out := d
	out.Competitors = append([]Competitor(nil), d.Competitors...)
	if d.Aggregates != nil {
		agg := *d.Aggregates
		if agg.Ratio != nil {
			r := *agg.Ratio
			agg.Ratio = &r
		}
		if agg.DeclaredCapacity != nil {
			c := *agg.DeclaredCapacity
			agg.DeclaredCapacity = &c
		}
		out.Aggregates = &agg
	}
	return out
}

// Canonical serializes the data without computed aggregates, so two snapshots
// that differ only in derived figures compare equal.
func (d AuthorizationData) Canonical() (string, error) {
	d.Aggregates = nil
	d.SchemaVersion = CurrentSchemaVersion
	if d.Competitors == nil {
		d.Competitors = []Competitor{}
	}
	raw, err := json.Marshal(currentShape(d))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// currentShape has no methods so it encodes and decodes without recursing.
type currentShape AuthorizationData

// MarshalJSON always stamps the current schema version, so any encoded value
// decodes back to the same data.
func (d AuthorizationData) MarshalJSON() ([]byte, error) {
	d.SchemaVersion = CurrentSchemaVersion
	if d.Competitors == nil {
		d.Competitors = []Competitor{}
	}
	return json.Marshal(currentShape(d))
}

func (d *AuthorizationData) UnmarshalJSON(raw []byte) error {
	decoded, err := DecodeAuthorizationData(raw)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

type authorizationPayload interface {
	upgrade() AuthorizationData
}

func (c currentShape) upgrade() AuthorizationData {
	d := AuthorizationData(c)
	d.SchemaVersion = CurrentSchemaVersion
	if d.Competitors == nil {
		d.Competitors = []Competitor{}
	}
	return d
}

type legacyIncome struct {
	Payroll     decimal.Decimal `json:"payroll"`
	Commissions decimal.Decimal `json:"commissions"`
	Business    decimal.Decimal `json:"business"`
	Cash        decimal.Decimal `json:"cash"`
}

type legacyExpense struct {
	CommittedDebt    decimal.Decimal `json:"committedDebt"`
	PersonalExpenses decimal.Decimal `json:"personalExpenses"`
	BusinessExpenses decimal.Decimal `json:"businessExpenses"`
}

// legacyAuthorizationData is the flat shape written before schema versioning:
// parallel income and expense arrays and competitors keyed by name.
type legacyAuthorizationData struct {
	Applicant    ApplicantProfile           `json:"applicant"`
	Financial    FinancialProfile           `json:"financial"`
	Incomes      []legacyIncome             `json:"incomes"`
	Expenses     []legacyExpense            `json:"expenses"`
	CustomMonths []string                   `json:"customMonths"`
	Competitors  map[string]decimal.Decimal `json:"competitors"`
	Vehicle      VehicleReview              `json:"vehicle"`
}

func (l legacyAuthorizationData) upgrade() AuthorizationData {
	d := NewAuthorizationData()
	d.Applicant = l.Applicant
	d.Financial = l.Financial
	d.Vehicle = l.Vehicle
	for i := 0; i < viability.Months; i++ {
		if i < len(l.Incomes) {
			in := l.Incomes[i]
			d.Months[i].Payroll = in.Payroll
			d.Months[i].Commissions = in.Commissions
			d.Months[i].Business = in.Business
			d.Months[i].Cash = in.Cash
		}
		if i < len(l.Expenses) {
			out := l.Expenses[i]
			d.Months[i].CommittedDebt = out.CommittedDebt
			d.Months[i].PersonalExpenses = out.PersonalExpenses
			d.Months[i].BusinessExpenses = out.BusinessExpenses
		}
	}
	if len(l.CustomMonths) == viability.Months {
		copy(d.MonthLabels[:], l.CustomMonths)
		d.LabelsFrozen = true
	}
	names := make([]string, 0, len(l.Competitors))
	for name := range l.Competitors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d.Competitors = append(d.Competitors, Competitor{Name: name, Price: l.Competitors[name]})
	}
	return d
}

var legacyKeys = []string{"incomes", "expenses", "customMonths"}

// DecodeAuthorizationData accepts the current shape and the legacy flat shape
// and always returns the current one. Payloads without a schemaVersion, or
// with version 0, are treated as legacy only when they carry legacy keys.
func DecodeAuthorizationData(raw []byte) (AuthorizationData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return NewAuthorizationData(), nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return AuthorizationData{}, Validation("authorizationData", "malformed document")
	}

	version := 0
	if rawVersion, ok := probe["schemaVersion"]; ok {
		if err := json.Unmarshal(rawVersion, &version); err != nil {
			return AuthorizationData{}, Validation("authorizationData.schemaVersion", "must be an integer")
		}
	}
	// Version 0 is what a zero value used to encode; it means "unversioned".
	if version == 0 {
		version = CurrentSchemaVersion
		for _, key := range legacyKeys {
			if _, ok := probe[key]; ok {
				version = LegacySchemaVersion
				break
			}
		}
		if competitors, ok := probe["competitors"]; ok && bytes.HasPrefix(bytes.TrimSpace(competitors), []byte("{")) {
			version = LegacySchemaVersion
		}
	}

	var payload authorizationPayload
	switch version {
	case LegacySchemaVersion:
		var legacy legacyAuthorizationData
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return AuthorizationData{}, Validation("authorizationData", "malformed legacy document")
		}
		payload = legacy
	case CurrentSchemaVersion:
		var current currentShape
		if err := json.Unmarshal(trimmed, &current); err != nil {
			return AuthorizationData{}, Validation("authorizationData", "malformed document")
		}
		payload = current
	default:
		return AuthorizationData{}, Validation("authorizationData.schemaVersion", fmt.Sprintf("unsupported version %d", version))
	}
	return payload.upgrade(), nil
}

// SnapshotPatch replaces whole sections. Absent sections are left untouched.
type SnapshotPatch struct {
	Applicant   *ApplicantProfile                        `json:"applicant,omitempty"`
	Financial   *FinancialProfile                        `json:"financial,omitempty"`
	Months      *[viability.Months]MonthlyFinancialEntry `json:"months,omitempty"`
	MonthLabels *[viability.Months]string                `json:"monthLabels,omitempty"`
	Competitors *[]Competitor                            `json:"competitors,omitempty"`
	Vehicle     *VehicleReview                           `json:"vehicle,omitempty"`
}

func (p SnapshotPatch) Empty() bool {
	return p.Applicant == nil && p.Financial == nil && p.Months == nil &&
		p.MonthLabels == nil && p.Competitors == nil && p.Vehicle == nil
}

// FullPatch replaces every section with the content of d. Labels are carried
// only when d has them frozen.
func FullPatch(d AuthorizationData) SnapshotPatch {
	applicant := d.Applicant
	financial := d.Financial
	months := d.Months
	competitors := append([]Competitor{}, d.Competitors...)
	vehicle := d.Vehicle
	p := SnapshotPatch{
		Applicant:   &applicant,
		Financial:   &financial,
		Months:      &months,
		Competitors: &competitors,
		Vehicle:     &vehicle,
	}
	if d.LabelsFrozen {
		labels := d.MonthLabels
		p.MonthLabels = &labels
	}
	return p
}

func (p SnapshotPatch) validate() error {
	if p.MonthLabels != nil {
		for i, label := range p.MonthLabels {
			if strings.TrimSpace(label) == "" {
				return Validation(fmt.Sprintf("monthLabels[%d]", i), "must not be blank")
			}
		}
	}
	if p.Financial != nil && p.Financial.MonthlyPayment.IsNegative() {
		return Validation("financial.monthlyPayment", "must not be negative")
	}
	if p.Competitors != nil {
		for i, c := range *p.Competitors {
			if strings.TrimSpace(c.Name) == "" {
				return Validation(fmt.Sprintf("competitors[%d].name", i), "must not be blank")
			}
			if c.Price.IsNegative() {
				return Validation(fmt.Sprintf("competitors[%d].price", i), "must not be negative")
			}
		}
	}
	return nil
}

func (d AuthorizationData) merge(p SnapshotPatch) AuthorizationData {
	out := d.Clone()
	out.SchemaVersion = CurrentSchemaVersion
	if p.Applicant != nil {
		out.Applicant = *p.Applicant
	}
	if p.Financial != nil {
		out.Financial = *p.Financial
	}
	if p.Months != nil {
		out.Months = *p.Months
	}
	if p.MonthLabels != nil {
		out.MonthLabels = *p.MonthLabels
		out.LabelsFrozen = true
	}
	if p.Competitors != nil {
		out.Competitors = append([]Competitor{}, (*p.Competitors)...)
	}
	if p.Vehicle != nil {
		out.Vehicle = *p.Vehicle
	}
	return out
}

// DeriveMonthLabels returns the three calendar months before createdAt,
// skipping the month immediately preceding it, oldest first.
func DeriveMonthLabels(createdAt time.Time) [viability.Months]string {
	first := time.Date(createdAt.Year(), createdAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	var labels [viability.Months]string
	for i := range labels {
		labels[i] = first.AddDate(0, -(viability.Months+1-i), 0).Format(MonthLabelLayout)
	}
	return labels
}
