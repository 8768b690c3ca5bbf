// Package reports renders dose-volume metric reports for treatment plans and
// stores the resulting artifacts in a blob store. Exports run asynchronously
// on a single worker goroutine.
package reports

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dosecore/internal/blob"
	"dosecore/pkg/domain"
)

// ReportFormat identifies a rendered artifact format.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
)

// ReportStatus describes the lifecycle stage of a report request.
type ReportStatus string

const (
	StatusQueued    ReportStatus = "queued"
	StatusRunning   ReportStatus = "running"
	StatusSucceeded ReportStatus = "succeeded"
	StatusFailed    ReportStatus = "failed"
)

// MetricKind selects which histogram query a metric evaluates.
type MetricKind string

const (
	// MetricDose evaluates dose-at-volume (Dx), e.g. D95.
	MetricDose MetricKind = "D"
	// MetricVolume evaluates volume-at-dose (Vx), e.g. V20.
	MetricVolume MetricKind = "V"
)

// MetricSpec names a single dose-volume metric. For MetricDose the value is a
// percent of structure volume when the histogram is fractional, otherwise an
// absolute volume in cc. For MetricVolume the value is a dose in the
// histogram's dose unit.
type MetricSpec struct {
	Kind  MetricKind `json:"kind"`
	Value float64    `json:"value"`
}

// Label renders the conventional clinical shorthand, e.g. D95 or V20.
func (m MetricSpec) Label() string {
	return string(m.Kind) + strconv.FormatFloat(m.Value, 'f', -1, 64)
}

// DefaultMetrics is the metric set used when a request names none.
var DefaultMetrics = []MetricSpec{
	{Kind: MetricDose, Value: 2},
	{Kind: MetricDose, Value: 50},
	{Kind: MetricDose, Value: 95},
	{Kind: MetricDose, Value: 98},
	{Kind: MetricVolume, Value: 20},
}

// MetricRow is one evaluated metric for one plan structure.
type MetricRow struct {
	Structure string  `json:"structure"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Error     string  `json:"error,omitempty"`
}

// ReportArtifact captures a stored report artifact.
type ReportArtifact struct {
	Key         string       `json:"key"`
	Format      ReportFormat `json:"format"`
	ContentType string       `json:"content_type"`
	SizeBytes   int64        `json:"size_bytes"`
	URL         string       `json:"url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ReportRecord tracks a report request and its resulting artifacts.
type ReportRecord struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	Structures  []string         `json:"structures,omitempty"`
	Metrics     []MetricSpec     `json:"metrics"`
	Formats     []ReportFormat   `json:"formats"`
	Status      ReportStatus     `json:"status"`
	Error       string           `json:"error,omitempty"`
	Artifacts   []ReportArtifact `json:"artifacts,omitempty"`
	RequestedBy string           `json:"requested_by"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ReportInput represents an enqueue request for the worker.
type ReportInput struct {
	PlanID      string
	Structures  []string // empty selects every structure on the plan
	Metrics     []MetricSpec
	Formats     []ReportFormat
	RequestedBy string
	Reason      string
}

// PlanSource resolves plans for report rendering. *core.Service and the
// persistent stores satisfy it.
type PlanSource interface {
	GetPlan(id string) (domain.Plan, bool)
}

// AuditLogger records report audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for report exports.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	PlanID     string         `json:"plan_id"`
	Status     ReportStatus   `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Worker executes report exports asynchronously.
type Worker struct {
	plans PlanSource
	store blob.Store
	audit AuditLogger

	queue chan reportTask
	mu    sync.RWMutex
	jobs  map[string]*ReportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type reportTask struct {
	id    string
	input ReportInput
}

// NewWorker constructs a report worker. The blob store may be nil, in which
// case rendered artifacts are discarded after metadata capture.
func NewWorker(plans PlanSource, store blob.Store, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		plans:  plans,
		store:  store,
		audit:  audit,
		queue:  make(chan reportTask, 32),
		jobs:   make(map[string]*ReportRecord),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing report requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// Enqueue schedules a report job and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, input ReportInput) (ReportRecord, error) {
	if w.plans == nil {
		return ReportRecord{}, fmt.Errorf("plan source not configured")
	}
	if strings.TrimSpace(input.PlanID) == "" {
		return ReportRecord{}, fmt.Errorf("plan id required")
	}
	if _, ok := w.plans.GetPlan(input.PlanID); !ok {
		return ReportRecord{}, fmt.Errorf("plan %q not found", input.PlanID)
	}

	metrics := input.Metrics
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}
	for _, m := range metrics {
		if m.Kind != MetricDose && m.Kind != MetricVolume {
			return ReportRecord{}, fmt.Errorf("unknown metric kind %q", m.Kind)
		}
	}

	formats := input.Formats
	if len(formats) == 0 {
		formats = []ReportFormat{FormatJSON, FormatCSV}
	}
	uniq := make([]ReportFormat, 0, len(formats))
	seen := make(map[ReportFormat]struct{})
	for _, format := range formats {
		if _, dup := seen[format]; dup {
			continue
		}
		if format != FormatJSON && format != FormatCSV {
			return ReportRecord{}, fmt.Errorf("unsupported report format %s", format)
		}
		uniq = append(uniq, format)
		seen[format] = struct{}{}
	}

	id := newID()
	now := time.Now().UTC()
	record := ReportRecord{
		ID:          id,
		PlanID:      input.PlanID,
		Structures:  append([]string(nil), input.Structures...),
		Metrics:     append([]MetricSpec(nil), metrics...),
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.copy()
	w.mu.Unlock()

	w.recordAudit(ctx, id, StatusQueued, nil)

	select {
	case w.queue <- reportTask{id: id, input: input}:
	default:
		return ReportRecord{}, fmt.Errorf("report queue full")
	}
	return queued, nil
}

// Get returns a snapshot of the report record.
func (w *Worker) Get(id string) (ReportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ReportRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(task reportTask) {
	w.setStatus(task.id, StatusRunning, "")

	plan, ok := w.plans.GetPlan(task.input.PlanID)
	if !ok {
		w.fail(task.id, fmt.Sprintf("plan %q missing", task.input.PlanID))
		return
	}

	record, ok := w.Get(task.id)
	if !ok {
		return
	}

	rows, err := evaluatePlan(plan, record.Structures, record.Metrics)
	if err != nil {
		w.fail(task.id, err.Error())
		return
	}

	artifacts := make([]ReportArtifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		payload, contentType, err := render(format, record, plan, rows)
		if err != nil {
			w.fail(task.id, err.Error())
			return
		}
		artifact := ReportArtifact{
			Key:         fmt.Sprintf("reports/%s/%s.%s", plan.ID, record.ID, format),
			Format:      format,
			ContentType: contentType,
			SizeBytes:   int64(len(payload)),
			CreatedAt:   time.Now().UTC(),
		}
		if w.store != nil {
			info, err := w.store.Put(w.ctx, artifact.Key, bytes.NewReader(payload), blob.PutOptions{
				ContentType: contentType,
				Metadata:    map[string]string{"plan_id": plan.ID, "report_id": record.ID},
			})
			if err != nil {
				w.fail(task.id, fmt.Sprintf("store artifact failed: %v", err))
				return
			}
			artifact.SizeBytes = info.Size
			if url, err := w.store.PresignURL(w.ctx, artifact.Key, blob.SignedURLOptions{}); err == nil {
				artifact.URL = url
			}
		}
		artifacts = append(artifacts, artifact)
	}

	w.complete(task.id, artifacts)
}

// evaluatePlan computes every requested metric for the selected structures.
// Individual metric failures are reported per row, not as a run failure.
func evaluatePlan(plan domain.Plan, structures []string, metrics []MetricSpec) ([]MetricRow, error) {
	selected := structures
	if len(selected) == 0 {
		selected = make([]string, 0, len(plan.Histograms))
		for structure := range plan.Histograms {
			selected = append(selected, structure)
		}
		sort.Strings(selected)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("plan %q has no histograms to report on", plan.ID)
	}

	var rows []MetricRow
	for _, structure := range selected {
		hist, ok := plan.Histograms[structure]
		if !ok || hist == nil {
			return nil, fmt.Errorf("plan %q has no histogram for structure %q", plan.ID, structure)
		}
		for _, metric := range metrics {
			rows = append(rows, evaluateMetric(structure, metric, hist))
		}
	}
	return rows, nil
}

func evaluateMetric(structure string, metric MetricSpec, hist *domain.DVH) MetricRow {
	row := MetricRow{Structure: structure, Metric: metric.Label()}
	switch metric.Kind {
	case MetricDose:
		volume := metric.Value
		if hist.VolumeUnit() == domain.VolumePercent {
			volume /= 100
		}
		value, err := hist.Dx(volume)
		if err != nil {
			row.Error = err.Error()
			return row
		}
		row.Value = value
		row.Unit = string(hist.DoseUnit())
	case MetricVolume:
		value, err := hist.Vx(metric.Value)
		if err != nil {
			row.Error = err.Error()
			return row
		}
		row.Value = value
		row.Unit = string(hist.VolumeUnit())
	}
	return row
}

type reportPayload struct {
	ReportID    string       `json:"report_id"`
	PlanID      string       `json:"plan_id"`
	PlanName    string       `json:"plan_name,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
	Rows        []MetricRow  `json:"rows"`
	Metrics     []MetricSpec `json:"metrics"`
}

func render(format ReportFormat, record ReportRecord, plan domain.Plan, rows []MetricRow) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		payload, err := json.Marshal(reportPayload{
			ReportID:    record.ID,
			PlanID:      plan.ID,
			PlanName:    plan.Name,
			GeneratedAt: time.Now().UTC(),
			Rows:        rows,
			Metrics:     record.Metrics,
		})
		if err != nil {
			return nil, "", fmt.Errorf("marshal json report: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write([]string{"structure", "metric", "value", "unit", "error"}); err != nil {
			return nil, "", err
		}
		for _, row := range rows {
			value := ""
			if row.Error == "" {
				value = strconv.FormatFloat(row.Value, 'g', -1, 64)
			}
			if err := writer.Write([]string{row.Structure, row.Metric, value, row.Unit, row.Error}); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported report format %s", format)
	}
}

func (w *Worker) setStatus(id string, status ReportStatus, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, status, nil)
}

func (w *Worker) complete(id string, artifacts []ReportArtifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, StatusSucceeded, map[string]any{"artifacts": len(artifacts)})
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, id, StatusFailed, map[string]any{"error": reason})
}

func (w *Worker) recordAudit(ctx context.Context, id string, status ReportStatus, metadata map[string]any) {
	if w.audit == nil {
		return
	}
	var actor, planID, reason string
	w.mu.RLock()
	if record, ok := w.jobs[id]; ok {
		actor = record.RequestedBy
		planID = record.PlanID
		reason = record.Reason
	}
	w.mu.RUnlock()
	w.audit.Record(ctx, AuditEntry{
		ID:         newID(),
		Action:     "report_export",
		Actor:      actor,
		PlanID:     planID,
		Status:     status,
		Reason:     reason,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	})
}

func (r ReportRecord) copy() ReportRecord {
	dup := r
	dup.Structures = append([]string(nil), r.Structures...)
	dup.Metrics = append([]MetricSpec(nil), r.Metrics...)
	dup.Formats = append([]ReportFormat(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]ReportArtifact(nil), r.Artifacts...)
	}
	return dup
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}

// MemoryAuditLog captures audit entries in-memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
