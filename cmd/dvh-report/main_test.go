package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dosecore/internal/adapters/reports"
	"dosecore/internal/core"
)

func TestParseMetrics(t *testing.T) {
	specs, err := parseMetrics("D95, v20 ,D0.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []reports.MetricSpec{
		{Kind: reports.MetricDose, Value: 95},
		{Kind: reports.MetricVolume, Value: 20},
		{Kind: reports.MetricDose, Value: 0.5},
	}
	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Fatalf("spec %d = %+v, want %+v", i, specs[i], want[i])
		}
	}

	for _, bad := range []string{"Q95", "D", "Dx"} {
		if _, err := parseMetrics(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected result %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Setenv("DOSECORE_BLOB_DRIVER", "memory")

	doc := `{
	  "patient_id": "P-1",
	  "name": "Smith^John",
	  "plans": [{
	    "id": "Plan-1",
	    "name": "Initial",
	    "dvhs": {
	      "PTV": {"dose_unit": "Gy", "volume_unit": "percent", "doses": [0, 10], "volumes": [1.0, 0.8]}
	    }
	  }]
	}`
	path := filepath.Join(t.TempDir(), "patient.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	logger := core.NewSlogLogger(nil)
	if err := run(path, "", "", "D95,V5", "json,csv", 10*time.Second, logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := run("", "", "", "", "json", time.Second, logger); err == nil {
		t.Fatalf("expected error without input")
	}
}
