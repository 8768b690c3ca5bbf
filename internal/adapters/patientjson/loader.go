// Package patientjson loads patient bundles from JSON documents. A bundle is
// one patient record with its treatment plans and their dose-volume
// histograms, the interchange shape produced by upstream planning systems.
package patientjson

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"dosecore/internal/core"
	"dosecore/pkg/domain"
)

// Bundle is a decoded patient document. Histograms are validated and sorted
// during decoding, so they are query-ready.
type Bundle struct {
	Patient domain.Patient
	Plans   []domain.Plan
}

type wireBundle struct {
	PatientID string          `json:"patient_id"`
	Name      json.RawMessage `json:"name,omitempty"`
	Plans     []wirePlan      `json:"plans"`
}

type wirePlan struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name,omitempty"`
	DVHs map[string]*domain.DVH `json:"dvhs"`
}

// Decode parses a patient bundle document. The name field accepts either a
// structured object or a caret-delimited string ("Last^First^Middle").
func Decode(data []byte) (Bundle, error) {
	var wire wireBundle
	if err := json.Unmarshal(data, &wire); err != nil {
		return Bundle{}, fmt.Errorf("decode patient bundle: %w", err)
	}
	if wire.PatientID == "" {
		return Bundle{}, fmt.Errorf("patient bundle missing patient_id")
	}

	patient := domain.Patient{
		Base: domain.Base{ID: wire.PatientID},
		MRN:  wire.PatientID,
	}
	if len(wire.Name) > 0 {
		name, err := decodeName(wire.Name)
		if err != nil {
			return Bundle{}, err
		}
		patient.Name = name
	}

	plans := make([]domain.Plan, 0, len(wire.Plans))
	for i, wp := range wire.Plans {
		if wp.ID == "" {
			return Bundle{}, fmt.Errorf("plan %d missing id", i)
		}
		plan := domain.Plan{
			Base:       domain.Base{ID: wp.ID},
			PatientID:  wire.PatientID,
			Name:       wp.Name,
			Histograms: wp.DVHs,
		}
		if plan.Histograms == nil {
			plan.Histograms = map[string]*domain.DVH{}
		}
		// Decoded histograms arrive unsorted; validate and repair them now.
		if err := plan.CheckHistograms(); err != nil {
			return Bundle{}, fmt.Errorf("plan %s: %w", wp.ID, err)
		}
		plans = append(plans, plan)
	}

	return Bundle{Patient: patient, Plans: plans}, nil
}

func decodeName(raw json.RawMessage) (*domain.PersonName, error) {
	var delimited string
	if err := json.Unmarshal(raw, &delimited); err == nil {
		name := domain.ParsePersonName(delimited)
		return &name, nil
	}
	var name domain.PersonName
	if err := json.Unmarshal(raw, &name); err != nil {
		return nil, fmt.Errorf("decode patient name: %w", err)
	}
	return &name, nil
}

// Load reads and decodes a patient bundle file.
func Load(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read patient bundle: %w", err)
	}
	return Decode(data)
}

// Import persists a bundle through the service in one pass: the patient
// first, then each plan with its histograms. IDs from the document are kept.
func Import(ctx context.Context, svc *core.Service, bundle Bundle) (domain.Patient, []domain.Plan, error) {
	patient, _, err := svc.CreatePatient(ctx, bundle.Patient)
	if err != nil {
		return domain.Patient{}, nil, fmt.Errorf("import patient %s: %w", bundle.Patient.ID, err)
	}

	plans := make([]domain.Plan, 0, len(bundle.Plans))
	for _, plan := range bundle.Plans {
		created, _, err := svc.CreatePlan(ctx, plan)
		if err != nil {
			return domain.Patient{}, nil, fmt.Errorf("import plan %s: %w", plan.ID, err)
		}
		plans = append(plans, created)
	}
	return patient, plans, nil
}
