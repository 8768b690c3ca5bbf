package patientjson

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dosecore/internal/core"
	"dosecore/pkg/domain"
)

const bundleDoc = `{
  "patient_id": "P-123",
  "name": {"last": "Smith", "first": "John"},
  "plans": [
    {
      "id": "Plan-1",
      "name": "Initial Treatment",
      "dvhs": {
        "PTV": {
          "dose_unit": "Gy",
          "volume_unit": "percent",
          "doses": [0, 10, 20, 30, 40, 50],
          "volumes": [1.0, 1.0, 0.98, 0.95, 0.5, 0.0]
        },
        "Rectum": {
          "dose_unit": "Gy",
          "volume_unit": "percent",
          "doses": [0, 10, 20, 30, 40],
          "volumes": [1.0, 0.5, 0.2, 0.1, 0.0]
        }
      }
    },
    {
      "id": "Plan-2",
      "name": "Boost",
      "dvhs": {
        "PTV": {
          "dose_unit": "Gy",
          "volume_unit": "percent",
          "doses": [0, 5, 10, 15, 20],
          "volumes": [1.0, 1.0, 1.0, 0.9, 0.0]
        }
      }
    }
  ]
}`

func TestDecodeBundle(t *testing.T) {
	bundle, err := Decode([]byte(bundleDoc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if bundle.Patient.ID != "P-123" || bundle.Patient.MRN != "P-123" {
		t.Fatalf("unexpected patient %+v", bundle.Patient)
	}
	if bundle.Patient.Name == nil || bundle.Patient.Name.Last != "Smith" || bundle.Patient.Name.First != "John" {
		t.Fatalf("unexpected name %+v", bundle.Patient.Name)
	}
	if len(bundle.Plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(bundle.Plans))
	}

	first := bundle.Plans[0]
	if first.ID != "Plan-1" || first.Name != "Initial Treatment" || first.PatientID != "P-123" {
		t.Fatalf("unexpected plan %+v", first)
	}
	ptv := first.Histograms["PTV"]
	if ptv == nil || ptv.Len() != 6 {
		t.Fatalf("expected 6-point PTV histogram")
	}
	if !ptv.Sorted() {
		t.Fatalf("decoded histograms must be query-ready")
	}
	dose, err := ptv.Dx(0.95)
	if err != nil {
		t.Fatalf("dose query: %v", err)
	}
	if math.Abs(dose-30.0) > 1e-9 {
		t.Fatalf("expected D95 of 30 Gy, got %v", dose)
	}
}

func TestDecodeBundleDelimitedName(t *testing.T) {
	doc := `{"patient_id": "P-9", "name": "Doe^Jane^Q", "plans": []}`
	bundle, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	name := bundle.Patient.Name
	if name == nil || name.Last != "Doe" || name.First != "Jane" || name.Middle != "Q" {
		t.Fatalf("unexpected name %+v", name)
	}
}

func TestDecodeBundleRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing patient id": `{"plans": []}`,
		"missing plan id":    `{"patient_id": "P-1", "plans": [{"dvhs": {}}]}`,
		"not json":           `{{`,
		"bad histogram": `{"patient_id": "P-1", "plans": [{"id": "Plan-1", "dvhs": {
			"PTV": {"dose_unit": "Gy", "volume_unit": "percent", "doses": [0, 10], "volumes": [1.0, 1.5]}
		}}]}`,
	}
	for label, doc := range cases {
		if _, err := Decode([]byte(doc)); err == nil {
			t.Fatalf("%s: expected decode error", label)
		}
	}
}

func TestDecodeBundleNamesFailingStructure(t *testing.T) {
	doc := `{"patient_id": "P-1", "plans": [{"id": "Plan-1", "dvhs": {
		"Bladder": {"dose_unit": "Gy", "volume_unit": "percent", "doses": [0, 10], "volumes": [1.0, 1.5]}
	}}]}`
	_, err := Decode([]byte(doc))
	var histErr *domain.HistogramError
	if !errors.As(err, &histErr) {
		t.Fatalf("expected histogram error, got %v", err)
	}
	if histErr.Structure != "Bladder" {
		t.Fatalf("unexpected structure %q", histErr.Structure)
	}
	if !errors.Is(err, domain.ErrPercentOutOfRange) {
		t.Fatalf("expected percent bound cause, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patient.json")
	if err := os.WriteFile(path, []byte(bundleDoc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	bundle, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bundle.Patient.ID != "P-123" {
		t.Fatalf("unexpected patient %+v", bundle.Patient)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestImportPersistsBundle(t *testing.T) {
	bundle, err := Decode([]byte(bundleDoc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	svc := core.NewInMemoryService(nil)
	patient, plans, err := Import(context.Background(), svc, bundle)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if patient.ID != "P-123" {
		t.Fatalf("expected document ID kept, got %q", patient.ID)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}

	dose, err := svc.PlanDoseAtVolume(context.Background(), "Plan-1", "Rectum", 0.5)
	if err != nil {
		t.Fatalf("dose query: %v", err)
	}
	if math.Abs(dose-10.0) > 1e-9 {
		t.Fatalf("expected 10 Gy, got %v", dose)
	}

	// Re-importing the same bundle collides on IDs.
	_, _, err = Import(context.Background(), svc, bundle)
	if err == nil {
		t.Fatalf("expected duplicate import to fail")
	}
	if !strings.Contains(err.Error(), "P-123") {
		t.Fatalf("unexpected error %v", err)
	}
}
