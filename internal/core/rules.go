package core

import "dosecore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(HistogramIntegrityRule())
	engine.Register(PlanPatientReferenceRule())
	return engine
}
