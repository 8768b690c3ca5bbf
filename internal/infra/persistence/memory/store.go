// Package memory implements the in-memory transactional store backing the
// durable persistence drivers. Transactions run against a deep clone of the
// state; the clone replaces the live state only after rule evaluation passes.
package memory

import (
	"context"
	"crypto/rand"
	"dosecore/pkg/domain"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	patients map[string]domain.Patient
	plans    map[string]domain.Plan
}

func newMemoryState() memoryState {
	return memoryState{
		patients: make(map[string]domain.Patient),
		plans:    make(map[string]domain.Plan),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.patients {
		cloned.patients[k] = clonePatient(v)
	}
	for k, v := range s.plans {
		cloned.plans[k] = v.Clone()
	}
	return cloned
}

func clonePatient(p domain.Patient) domain.Patient {
	cp := p
	if p.Name != nil {
		name := *p.Name
		cp.Name = &name
	}
	return cp
}

// Snapshot is the serializable full-state view exchanged with durable backends.
type Snapshot struct {
	Patients map[string]domain.Patient `json:"patients"`
	Plans    map[string]domain.Plan    `json:"plans"`
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// SetNowFunc overrides the time provider, for deterministic tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RulesEngine exposes the currently configured engine for integration points.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

// ListPatients returns all patients within the snapshot.
func (v transactionView) ListPatients() []domain.Patient {
	out := make([]domain.Patient, 0, len(v.state.patients))
	for _, p := range v.state.patients {
		out = append(out, clonePatient(p))
	}
	return out
}

// ListPlans returns all plans within the snapshot.
func (v transactionView) ListPlans() []domain.Plan {
	out := make([]domain.Plan, 0, len(v.state.plans))
	for _, p := range v.state.plans {
		out = append(out, p.Clone())
	}
	return out
}

// FindPatient retrieves a patient by ID from the snapshot.
func (v transactionView) FindPatient(id string) (domain.Patient, bool) {
	p, ok := v.state.patients[id]
	if !ok {
		return domain.Patient{}, false
	}
	return clonePatient(p), true
}

// FindPlan retrieves a plan by ID from the snapshot.
func (v transactionView) FindPlan(id string) (domain.Plan, bool) {
	p, ok := v.state.plans[id]
	if !ok {
		return domain.Plan{}, false
	}
	return p.Clone(), true
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := transactionView{state: &tx.state}
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(transactionView{state: &snapshot})
}

// Snapshot returns a read-only view of the transactional state for rules.
func (tx *transaction) Snapshot() domain.TransactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// CreatePatient stores a new patient within the transaction.
func (tx *transaction) CreatePatient(p domain.Patient) (domain.Patient, error) {
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.patients[p.ID]; exists {
		return domain.Patient{}, fmt.Errorf("patient %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.patients[p.ID] = clonePatient(p)
	tx.recordChange(domain.Change{Entity: domain.EntityPatient, Action: domain.ActionCreate, After: clonePatient(p)})
	return clonePatient(p), nil
}

// UpdatePatient mutates a patient using the provided mutator function.
func (tx *transaction) UpdatePatient(id string, mutator func(*domain.Patient) error) (domain.Patient, error) {
	current, ok := tx.state.patients[id]
	if !ok {
		return domain.Patient{}, fmt.Errorf("patient %q not found", id)
	}
	before := clonePatient(current)
	if err := mutator(&current); err != nil {
		return domain.Patient{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.patients[id] = clonePatient(current)
	tx.recordChange(domain.Change{Entity: domain.EntityPatient, Action: domain.ActionUpdate, Before: before, After: clonePatient(current)})
	return clonePatient(current), nil
}

// DeletePatient removes a patient from the transaction state.
func (tx *transaction) DeletePatient(id string) error {
	current, ok := tx.state.patients[id]
	if !ok {
		return fmt.Errorf("patient %q not found", id)
	}
	delete(tx.state.patients, id)
	tx.recordChange(domain.Change{Entity: domain.EntityPatient, Action: domain.ActionDelete, Before: clonePatient(current)})
	return nil
}

// CreatePlan stores a new treatment plan within the transaction.
func (tx *transaction) CreatePlan(p domain.Plan) (domain.Plan, error) {
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.plans[p.ID]; exists {
		return domain.Plan{}, fmt.Errorf("plan %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	if p.Histograms == nil {
		p.Histograms = map[string]*domain.DVH{}
	}
	tx.state.plans[p.ID] = p.Clone()
	tx.recordChange(domain.Change{Entity: domain.EntityPlan, Action: domain.ActionCreate, After: p.Clone()})
	return p.Clone(), nil
}

// UpdatePlan mutates a plan using the provided mutator function.
func (tx *transaction) UpdatePlan(id string, mutator func(*domain.Plan) error) (domain.Plan, error) {
	current, ok := tx.state.plans[id]
	if !ok {
		return domain.Plan{}, fmt.Errorf("plan %q not found", id)
	}
	before := current.Clone()
	working := current.Clone()
	if err := mutator(&working); err != nil {
		return domain.Plan{}, err
	}
	working.ID = id
	working.UpdatedAt = tx.now
	tx.state.plans[id] = working.Clone()
	tx.recordChange(domain.Change{Entity: domain.EntityPlan, Action: domain.ActionUpdate, Before: before, After: working.Clone()})
	return working.Clone(), nil
}

// DeletePlan removes a plan from the transaction state.
func (tx *transaction) DeletePlan(id string) error {
	current, ok := tx.state.plans[id]
	if !ok {
		return fmt.Errorf("plan %q not found", id)
	}
	delete(tx.state.plans, id)
	tx.recordChange(domain.Change{Entity: domain.EntityPlan, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

// FindPatient retrieves a patient by ID within the transaction.
func (tx *transaction) FindPatient(id string) (domain.Patient, bool) {
	p, ok := tx.state.patients[id]
	if !ok {
		return domain.Patient{}, false
	}
	return clonePatient(p), true
}

// FindPlan retrieves a plan by ID within the transaction.
func (tx *transaction) FindPlan(id string) (domain.Plan, bool) {
	p, ok := tx.state.plans[id]
	if !ok {
		return domain.Plan{}, false
	}
	return p.Clone(), true
}

// GetPatient returns a patient from committed state.
func (s *Store) GetPatient(id string) (domain.Patient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.patients[id]
	if !ok {
		return domain.Patient{}, false
	}
	return clonePatient(p), true
}

// ListPatients returns all committed patients.
func (s *Store) ListPatients() []domain.Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Patient, 0, len(s.state.patients))
	for _, p := range s.state.patients {
		out = append(out, clonePatient(p))
	}
	return out
}

// GetPlan returns a plan from committed state.
func (s *Store) GetPlan(id string) (domain.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.plans[id]
	if !ok {
		return domain.Plan{}, false
	}
	return p.Clone(), true
}

// ListPlans returns all committed plans.
func (s *Store) ListPlans() []domain.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Plan, 0, len(s.state.plans))
	for _, p := range s.state.plans {
		out = append(out, p.Clone())
	}
	return out
}

// ListPatientPlans returns the committed plans referencing the given patient.
func (s *Store) ListPatientPlans(patientID string) []domain.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Plan
	for _, p := range s.state.plans {
		if p.PatientID == patientID {
			out = append(out, p.Clone())
		}
	}
	return out
}

// ExportState returns a deep-copied snapshot of the full committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Patients: make(map[string]domain.Patient, len(s.state.patients)),
		Plans:    make(map[string]domain.Plan, len(s.state.plans)),
	}
	for k, v := range s.state.patients {
		snapshot.Patients[k] = clonePatient(v)
	}
	for k, v := range s.state.plans {
		snapshot.Plans[k] = v.Clone()
	}
	return snapshot
}

// ImportState replaces the store state with the provided snapshot. Histograms
// arriving from durable storage are untrusted and re-sorted before use.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState()
	for k, v := range snapshot.Patients {
		state.patients[k] = clonePatient(v)
	}
	for k, v := range snapshot.Plans {
		plan := v.Clone()
		for _, h := range plan.Histograms {
			h.Sort()
		}
		state.plans[k] = plan
	}
	s.state = state
}
