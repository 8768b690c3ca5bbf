package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityPatient identifies a patient record.
	EntityPatient EntityType = "patient"
	// EntityPlan identifies a treatment plan record.
	EntityPlan EntityType = "plan"
)

// Base carries the persistence identity shared by stored entities.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patient represents a person under treatment. MRN is the clinical medical
// record number assigned by the originating system; ID is the store identity.
type Patient struct {
	Base
	MRN  string      `json:"mrn"`
	Name *PersonName `json:"name,omitempty"`
}

// Plan represents one radiotherapy treatment plan. Histograms are keyed by
// anatomical structure name and exclusively owned by the plan.
type Plan struct {
	Base
	PatientID  string          `json:"patient_id"`
	Name       string          `json:"name,omitempty"`
	Histograms map[string]*DVH `json:"histograms"`
}

// CheckHistograms validates every owned histogram, surfacing the first
// failure. Unsorted histograms are sorted in place as part of the check.
func (p *Plan) CheckHistograms() error {
	for structure, h := range p.Histograms {
		if err := h.Check(); err != nil {
			return &HistogramError{Structure: structure, Err: err}
		}
	}
	return nil
}

// Clone returns a deep copy of the plan, including its histograms.
func (p Plan) Clone() Plan {
	cp := p
	if p.Histograms != nil {
		cp.Histograms = make(map[string]*DVH, len(p.Histograms))
		for name, h := range p.Histograms {
			cp.Histograms[name] = h.Clone()
		}
	}
	return cp
}

// HistogramChecker is implemented by any container of histograms that can
// validate all of them in one call.
type HistogramChecker interface {
	CheckHistograms() error
}

// HistogramError wraps a histogram validation failure with the structure it
// belongs to.
type HistogramError struct {
	Structure string
	Err       error
}

func (e *HistogramError) Error() string {
	return "histogram " + e.Structure + ": " + e.Err.Error()
}

// Unwrap exposes the underlying sentinel for errors.Is matching.
func (e *HistogramError) Unwrap() error { return e.Err }

// Change captures a single entity mutation for rule evaluation and audit.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured for rules.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// MarshalJSON keeps the zero-value histogram map encoded as an empty object
// rather than null so persisted snapshots stay shape-stable.
func (p Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	a := alias(p)
	if a.Histograms == nil {
		a.Histograms = map[string]*DVH{}
	}
	return json.Marshal(a)
}
