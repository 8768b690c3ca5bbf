package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreatePatient(Patient) (Patient, error)
	UpdatePatient(id string, mutator func(*Patient) error) (Patient, error)
	DeletePatient(id string) error
	CreatePlan(Plan) (Plan, error)
	UpdatePlan(id string, mutator func(*Plan) error) (Plan, error)
	DeletePlan(id string) error
	FindPatient(id string) (Patient, bool)
	FindPlan(id string) (Plan, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListPatients() []Patient
	ListPlans() []Plan
	FindPatient(id string) (Patient, bool)
	FindPlan(id string) (Plan, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetPatient(id string) (Patient, bool)
	ListPatients() []Patient
	GetPlan(id string) (Plan, bool)
	ListPlans() []Plan
	ListPatientPlans(patientID string) []Plan
}
