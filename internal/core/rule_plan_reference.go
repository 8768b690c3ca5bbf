package core

import (
	"context"
	"dosecore/pkg/domain"
	"fmt"
)

// PlanPatientReferenceRule blocks plans that reference a missing patient.
func PlanPatientReferenceRule() domain.Rule {
	return planPatientReferenceRule{}
}

type planPatientReferenceRule struct{}

func (planPatientReferenceRule) Name() string { return "plan_patient_reference" }

func (planPatientReferenceRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}

	for _, plan := range view.ListPlans() {
		if plan.PatientID == "" {
			res.Violations = append(res.Violations, referenceViolation(plan.ID,
				fmt.Sprintf("plan %s has no patient reference", plan.ID)))
			continue
		}
		if _, ok := view.FindPatient(plan.PatientID); !ok {
			res.Violations = append(res.Violations, referenceViolation(plan.ID,
				fmt.Sprintf("plan %s references missing patient %s", plan.ID, plan.PatientID)))
		}
	}

	return res, nil
}

func referenceViolation(planID, message string) domain.Violation {
	return domain.Violation{
		Rule:     "plan_patient_reference",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityPlan,
		EntityID: planID,
	}
}
