package core

import (
	"context"
	"fmt"
	"time"

	"dosecore/internal/infra/persistence/memory"
	"dosecore/pkg/domain"
)

// Service exposes higher-level transactional operations for the dose-volume
// schema. Every operation is observed through the configured logger, metrics
// recorder and tracer.
type Service struct {
	store   domain.PersistentStore
	engine  *domain.RulesEngine
	clock   Clock
	now     func() time.Time
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// Option customizes service construction.
type Option func(*Service)

// WithLogger attaches a structured logger. A nil logger is ignored.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder. A nil recorder is ignored.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer attaches a tracer. A nil tracer is ignored.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the time source used for operation timing.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
			s.now = clock.Now
		}
	}
}

// NewService constructs a service backed by the supplied store and rules
// engine.
func NewService(store domain.PersistentStore, engine *domain.RulesEngine, opts ...Option) *Service {
	svc := &Service{
		store:  store,
		engine: engine,
		clock:  systemClock{},
		logger: noopLogger{},
	}
	svc.now = svc.clock.Now
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine. A nil engine selects the built-in policy set.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), engine, opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RulesEngine returns the engine evaluated on each transaction commit.
func (s *Service) RulesEngine() *domain.RulesEngine {
	return s.engine
}

// observe wraps a service operation with logging, metrics and tracing. The
// returned func must be called with the operation's final error.
func (s *Service) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := s.now()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	return ctx, func(err error) {
		duration := s.now().Sub(start)
		if span != nil {
			span.End(err)
		}
		if s.metrics != nil {
			s.metrics.Observe(ctx, operation, err == nil, duration)
		}
		if err != nil {
			s.logger.Error("operation failed", "operation", operation, "duration_ms", duration.Milliseconds(), "error", err)
			return
		}
		s.logger.Debug("operation completed", "operation", operation, "duration_ms", duration.Milliseconds())
	}
}

// CreatePatient persists a new patient record.
func (s *Service) CreatePatient(ctx context.Context, patient domain.Patient) (domain.Patient, domain.Result, error) {
	ctx, done := s.observe(ctx, "create_patient")
	var created domain.Patient
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreatePatient(patient)
		return err
	})
	done(err)
	return created, res, err
}

// UpdatePatient mutates a patient using the provided mutator.
func (s *Service) UpdatePatient(ctx context.Context, id string, mutator func(*domain.Patient) error) (domain.Patient, domain.Result, error) {
	ctx, done := s.observe(ctx, "update_patient")
	var updated domain.Patient
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdatePatient(id, mutator)
		return err
	})
	done(err)
	return updated, res, err
}

// DeletePatient removes a patient record along with all of its plans.
func (s *Service) DeletePatient(ctx context.Context, id string) (domain.Result, error) {
	ctx, done := s.observe(ctx, "delete_patient")
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindPatient(id); !ok {
			return fmt.Errorf("patient %q not found", id)
		}
		for _, plan := range tx.Snapshot().ListPlans() {
			if plan.PatientID != id {
				continue
			}
			if err := tx.DeletePlan(plan.ID); err != nil {
				return err
			}
		}
		return tx.DeletePatient(id)
	})
	done(err)
	return res, err
}

// CreatePlan persists a new treatment plan.
func (s *Service) CreatePlan(ctx context.Context, plan domain.Plan) (domain.Plan, domain.Result, error) {
	ctx, done := s.observe(ctx, "create_plan")
	var created domain.Plan
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreatePlan(plan)
		return err
	})
	done(err)
	return created, res, err
}

// UpdatePlan mutates a plan using the provided mutator.
func (s *Service) UpdatePlan(ctx context.Context, id string, mutator func(*domain.Plan) error) (domain.Plan, domain.Result, error) {
	ctx, done := s.observe(ctx, "update_plan")
	var updated domain.Plan
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdatePlan(id, mutator)
		return err
	})
	done(err)
	return updated, res, err
}

// DeletePlan removes a plan record.
func (s *Service) DeletePlan(ctx context.Context, id string) (domain.Result, error) {
	ctx, done := s.observe(ctx, "delete_plan")
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeletePlan(id)
	})
	done(err)
	return res, err
}

// AttachHistogram validates a histogram and stores it on the plan under the
// given structure name, replacing any previous histogram for that structure.
// The histogram is cloned and sorted before attachment, so the caller's copy
// is never mutated and stored histograms are always query-ready.
func (s *Service) AttachHistogram(ctx context.Context, planID, structure string, hist *domain.DVH) (domain.Plan, domain.Result, error) {
	ctx, done := s.observe(ctx, "attach_histogram")
	var updated domain.Plan

	run := func() (domain.Result, error) {
		if structure == "" {
			return domain.Result{}, fmt.Errorf("structure name must not be empty")
		}
		if hist == nil {
			return domain.Result{}, fmt.Errorf("histogram must not be nil")
		}
		owned := hist.Clone()
		if err := owned.Check(); err != nil {
			return domain.Result{}, &domain.HistogramError{Structure: structure, Err: err}
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			updated, err = tx.UpdatePlan(planID, func(p *domain.Plan) error {
				if p.Histograms == nil {
					p.Histograms = make(map[string]*domain.DVH)
				}
				p.Histograms[structure] = owned
				return nil
			})
			return err
		})
	}

	res, err := run()
	done(err)
	return updated, res, err
}

// DetachHistogram removes the histogram stored under the given structure name.
func (s *Service) DetachHistogram(ctx context.Context, planID, structure string) (domain.Plan, domain.Result, error) {
	ctx, done := s.observe(ctx, "detach_histogram")
	var updated domain.Plan
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdatePlan(planID, func(p *domain.Plan) error {
			if _, ok := p.Histograms[structure]; !ok {
				return fmt.Errorf("plan %q has no histogram for structure %q", planID, structure)
			}
			delete(p.Histograms, structure)
			return nil
		})
		return err
	})
	done(err)
	return updated, res, err
}

// planHistogram resolves the histogram stored for a plan structure.
func (s *Service) planHistogram(planID, structure string) (*domain.DVH, error) {
	plan, ok := s.store.GetPlan(planID)
	if !ok {
		return nil, fmt.Errorf("plan %q not found", planID)
	}
	hist, ok := plan.Histograms[structure]
	if !ok || hist == nil {
		return nil, fmt.Errorf("plan %q has no histogram for structure %q", planID, structure)
	}
	return hist, nil
}

// PlanDoseAtVolume evaluates the minimum dose received by the given volume of
// a plan structure.
func (s *Service) PlanDoseAtVolume(ctx context.Context, planID, structure string, volume float64) (float64, error) {
	_, done := s.observe(ctx, "plan_dose_at_volume")
	dose, err := func() (float64, error) {
		hist, err := s.planHistogram(planID, structure)
		if err != nil {
			return 0, err
		}
		return hist.Dx(volume)
	}()
	done(err)
	return dose, err
}

// PlanVolumeAtDose evaluates the volume receiving at least the given dose in
// a plan structure.
func (s *Service) PlanVolumeAtDose(ctx context.Context, planID, structure string, dose float64) (float64, error) {
	_, done := s.observe(ctx, "plan_volume_at_dose")
	volume, err := func() (float64, error) {
		hist, err := s.planHistogram(planID, structure)
		if err != nil {
			return 0, err
		}
		return hist.Vx(dose)
	}()
	done(err)
	return volume, err
}

// GetPatient returns a patient by ID.
func (s *Service) GetPatient(id string) (domain.Patient, bool) {
	return s.store.GetPatient(id)
}

// ListPatients returns all patients.
func (s *Service) ListPatients() []domain.Patient {
	return s.store.ListPatients()
}

// GetPlan returns a plan by ID.
func (s *Service) GetPlan(id string) (domain.Plan, bool) {
	return s.store.GetPlan(id)
}

// ListPlans returns all plans.
func (s *Service) ListPlans() []domain.Plan {
	return s.store.ListPlans()
}

// ListPatientPlans returns all plans referencing the given patient.
func (s *Service) ListPatientPlans(patientID string) []domain.Plan {
	return s.store.ListPatientPlans(patientID)
}
