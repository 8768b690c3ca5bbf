// Command dvh-report imports a patient bundle JSON document and renders
// dose-volume metric reports for one of its plans. Artifacts are written to
// the blob backend selected by DOSECORE_BLOB_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dosecore/internal/adapters/patientjson"
	"dosecore/internal/adapters/reports"
	"dosecore/internal/blob"
	"dosecore/internal/core"
)

var exitFunc = os.Exit

func main() {
	input := flag.String("input", "", "path to a patient bundle JSON document (required)")
	planID := flag.String("plan", "", "plan ID to report on (default: first plan in the bundle)")
	structures := flag.String("structures", "", "comma-separated structure names (default: all)")
	metrics := flag.String("metrics", "", "comma-separated metrics, e.g. D95,D50,V20 (default: standard set)")
	formats := flag.String("formats", "json,csv", "comma-separated artifact formats")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the report to finish")
	flag.Parse()

	logger := core.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := run(*input, *planID, *structures, *metrics, *formats, *timeout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "dvh-report: %v\n", err)
		exitFunc(1)
	}
}

func run(input, planID, structures, metrics, formats string, timeout time.Duration, logger core.Logger) error {
	if input == "" {
		return fmt.Errorf("-input is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bundle, err := patientjson.Load(input)
	if err != nil {
		return err
	}

	svc := core.NewInMemoryService(nil, core.WithLogger(logger))
	patient, plans, err := patientjson.Import(ctx, svc, bundle)
	if err != nil {
		return err
	}
	logger.Info("bundle imported", "patient", patient.ID, "plans", len(plans))

	if planID == "" {
		if len(plans) == 0 {
			return fmt.Errorf("bundle has no plans")
		}
		planID = plans[0].ID
	}

	store, err := blob.Open(ctx)
	if err != nil {
		return err
	}

	specs, err := parseMetrics(metrics)
	if err != nil {
		return err
	}

	worker := reports.NewWorker(svc, store, nil)
	worker.Start()
	defer func() { _ = worker.Stop(context.Background()) }()

	record, err := worker.Enqueue(ctx, reports.ReportInput{
		PlanID:      planID,
		Structures:  splitList(structures),
		Metrics:     specs,
		Formats:     parseFormats(formats),
		RequestedBy: "dvh-report",
	})
	if err != nil {
		return err
	}

	record, err = await(ctx, worker, record.ID)
	if err != nil {
		return err
	}

	fmt.Printf("report %s for plan %s: %s\n", record.ID, record.PlanID, record.Status)
	for _, artifact := range record.Artifacts {
		line := fmt.Sprintf("  %-4s %s (%d bytes)", artifact.Format, artifact.Key, artifact.SizeBytes)
		if artifact.URL != "" {
			line += " " + artifact.URL
		}
		fmt.Println(line)
	}
	return nil
}

func await(ctx context.Context, worker *reports.Worker, id string) (reports.ReportRecord, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		record, ok := worker.Get(id)
		if !ok {
			return reports.ReportRecord{}, fmt.Errorf("report %s not found", id)
		}
		switch record.Status {
		case reports.StatusSucceeded:
			return record, nil
		case reports.StatusFailed:
			return reports.ReportRecord{}, fmt.Errorf("report failed: %s", record.Error)
		}
		select {
		case <-ctx.Done():
			return reports.ReportRecord{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseMetrics turns clinical shorthand like "D95,V20" into metric specs.
func parseMetrics(s string) ([]reports.MetricSpec, error) {
	var specs []reports.MetricSpec
	for _, token := range splitList(s) {
		if len(token) < 2 {
			return nil, fmt.Errorf("invalid metric %q", token)
		}
		kind := reports.MetricKind(strings.ToUpper(token[:1]))
		if kind != reports.MetricDose && kind != reports.MetricVolume {
			return nil, fmt.Errorf("invalid metric %q: must start with D or V", token)
		}
		value, err := strconv.ParseFloat(token[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid metric %q: %v", token, err)
		}
		specs = append(specs, reports.MetricSpec{Kind: kind, Value: value})
	}
	return specs, nil
}

func parseFormats(s string) []reports.ReportFormat {
	var out []reports.ReportFormat
	for _, token := range splitList(s) {
		out = append(out, reports.ReportFormat(strings.ToLower(token)))
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
