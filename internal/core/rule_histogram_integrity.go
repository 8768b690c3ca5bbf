package core

import (
	"context"
	"dosecore/pkg/domain"
	"fmt"
	"math"
	"sort"
)

// HistogramIntegrityRule inspects every histogram attached to a plan and
// blocks commits that would persist malformed dose-volume data. Unlike
// DVH.Check it never mutates the inspected histograms.
func HistogramIntegrityRule() domain.Rule {
	return histogramIntegrityRule{}
}

type histogramIntegrityRule struct{}

func (histogramIntegrityRule) Name() string { return "histogram_integrity" }

func (histogramIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}

	for _, plan := range view.ListPlans() {
		structures := make([]string, 0, len(plan.Histograms))
		for structure := range plan.Histograms {
			structures = append(structures, structure)
		}
		sort.Strings(structures)

		for _, structure := range structures {
			hist := plan.Histograms[structure]
			if hist == nil {
				res.Violations = append(res.Violations, histogramViolation(plan.ID,
					fmt.Sprintf("plan %s structure %q has a nil histogram", plan.ID, structure)))
				continue
			}
			inspectHistogram(&res, plan.ID, structure, hist)
		}
	}

	return res, nil
}

func inspectHistogram(res *domain.Result, planID, structure string, hist *domain.DVH) {
	doses := hist.Doses()
	volumes := hist.Volumes()
	if len(doses) != len(volumes) {
		res.Violations = append(res.Violations, histogramViolation(planID,
			fmt.Sprintf("plan %s structure %q has %d doses but %d volumes", planID, structure, len(doses), len(volumes))))
		return
	}

	percent := hist.VolumeUnit() == domain.VolumePercent
	for i := range doses {
		switch {
		case math.IsNaN(doses[i]) || doses[i] < 0:
			res.Violations = append(res.Violations, histogramViolation(planID,
				fmt.Sprintf("plan %s structure %q sample %d has invalid dose %v", planID, structure, i, doses[i])))
		case math.IsNaN(volumes[i]) || volumes[i] < 0:
			res.Violations = append(res.Violations, histogramViolation(planID,
				fmt.Sprintf("plan %s structure %q sample %d has invalid volume %v", planID, structure, i, volumes[i])))
		case percent && volumes[i] > 1:
			res.Violations = append(res.Violations, histogramViolation(planID,
				fmt.Sprintf("plan %s structure %q sample %d exceeds fractional volume bound: %v", planID, structure, i, volumes[i])))
		}
	}
}

func histogramViolation(planID, message string) domain.Violation {
	return domain.Violation{
		Rule:     "histogram_integrity",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityPlan,
		EntityID: planID,
	}
}
