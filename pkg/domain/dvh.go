// Package domain defines the core radiotherapy entities, the dose-volume
// histogram with its Dx/Vx query algorithms, and the rule evaluation
// primitives used by dosecore.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// DoseUnit tags the unit of stored dose values. It is a label only; the
// histogram performs no unit conversion.
type DoseUnit string

const (
	// DoseGray is the SI dose unit (Gy).
	DoseGray DoseUnit = "Gy"
	// DoseCentigray is one hundredth of a gray (cGy).
	DoseCentigray DoseUnit = "cGy"
)

// VolumeUnit tags the unit of stored volume values.
type VolumeUnit string

const (
	// VolumePercent expresses volume as a fraction of the structure in [0, 1].
	VolumePercent VolumeUnit = "percent"
	// VolumeCc expresses volume in cubic centimeters.
	VolumeCc VolumeUnit = "cc"
)

// DVH is a cumulative dose-volume histogram for one anatomical structure:
// volumes[i] is the volume receiving at least doses[i]. The two slices stay
// index-aligned through every mutation; sorted is an explicit cache that
// Add/AddSeries invalidate and only Sort restores. Queries never sort
// implicitly.
//
// A DVH is not safe for concurrent use; a host that shares one must
// serialize mutation against query.
type DVH struct {
	doseUnit   DoseUnit
	volumeUnit VolumeUnit
	doses      []float64
	volumes    []float64
	sorted     bool
}

// NewDVH constructs an empty histogram with fixed unit tags. An empty
// histogram counts as sorted.
func NewDVH(doseUnit DoseUnit, volumeUnit VolumeUnit) *DVH {
	return &DVH{doseUnit: doseUnit, volumeUnit: volumeUnit, sorted: true}
}

// DoseUnit returns the dose unit tag fixed at construction.
func (h *DVH) DoseUnit() DoseUnit { return h.doseUnit }

// VolumeUnit returns the volume unit tag fixed at construction.
func (h *DVH) VolumeUnit() VolumeUnit { return h.volumeUnit }

// Len returns the number of stored dose-volume points.
func (h *DVH) Len() int { return len(h.doses) }

// IsEmpty reports whether the histogram holds no points.
func (h *DVH) IsEmpty() bool { return len(h.doses) == 0 }

// Sorted reports whether the data is currently ordered by non-decreasing dose.
func (h *DVH) Sorted() bool { return h.sorted }

// Doses returns the stored dose values. The slice is owned by the histogram
// and must not be mutated; ordering is undefined until Sort has run.
func (h *DVH) Doses() []float64 { return h.doses }

// Volumes returns the stored volume values, index-aligned with Doses.
func (h *DVH) Volumes() []float64 { return h.volumes }

func (h *DVH) validPoint(dose, volume float64) bool {
	if math.IsNaN(dose) || dose < 0 {
		return false
	}
	if math.IsNaN(volume) || volume < 0 {
		return false
	}
	if h.volumeUnit == VolumePercent && volume > 1.0 {
		return false
	}
	return true
}

// Add appends one dose-volume pair and invalidates the sort cache. It returns
// false, leaving the histogram untouched, when dose or volume is negative or
// NaN, or when a percent volume exceeds 1.0.
func (h *DVH) Add(dose, volume float64) bool {
	if !h.validPoint(dose, volume) {
		return false
	}
	h.sorted = false
	h.doses = append(h.doses, dose)
	h.volumes = append(h.volumes, volume)
	return true
}

// AddSeries appends every pair from two index-aligned series, all or nothing:
// a length mismatch or any invalid element rejects the whole batch with no
// mutation. Empty series are a valid no-op and still return true.
func (h *DVH) AddSeries(doses, volumes []float64) bool {
	if len(doses) != len(volumes) {
		return false
	}
	for i := range doses {
		if !h.validPoint(doses[i], volumes[i]) {
			return false
		}
	}
	if len(doses) == 0 {
		return true
	}
	h.sorted = false
	h.doses = append(h.doses, doses...)
	h.volumes = append(h.volumes, volumes...)
	return true
}

// Sort orders the data by non-decreasing dose, permuting both slices in
// lock-step so pairing is preserved. The sort is stable: equal doses keep
// their original relative order. Calling Sort on sorted data is a no-op.
func (h *DVH) Sort() {
	if h.sorted {
		return
	}
	idx := make([]int, len(h.doses))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return h.doses[idx[a]] < h.doses[idx[b]] })

	doses := make([]float64, len(h.doses))
	volumes := make([]float64, len(h.volumes))
	for out, in := range idx {
		doses[out] = h.doses[in]
		volumes[out] = h.volumes[in]
	}
	h.doses = doses
	h.volumes = volumes
	h.sorted = true
}

func (h *DVH) queryReady() error {
	if h.IsEmpty() {
		return ErrNoData
	}
	if h.Len() < 2 {
		return ErrInsufficientData
	}
	if !h.sorted {
		return ErrUnsorted
	}
	return nil
}

// Dx returns the minimum dose covering the given volume: the histogram is
// scanned from the highest-dose end toward the lowest, and the dose is
// linearly interpolated within the bracket of volumes straddling the query.
// A volume at or below the last point's volume clamps to the highest-dose
// sample; a volume above the first point's volume clamps to the lowest-dose
// sample. The histogram must hold at least two points and be sorted.
func (h *DVH) Dx(volume float64) (float64, error) {
	if math.IsNaN(volume) || volume < 0 {
		return 0, fmt.Errorf("dx(%v): %w", volume, ErrNegativeVolume)
	}
	if err := h.queryReady(); err != nil {
		return 0, err
	}

	n := len(h.volumes)
	x0, y0 := h.volumes[n-1], h.doses[n-1]
	if volume <= x0 {
		return y0, nil
	}
	for i := n - 1; i >= 0; i-- {
		x1, y1 := h.volumes[i], h.doses[i]
		if volume >= x0 && volume <= x1 {
			return lerp(volume, x0, x1, y0, y1), nil
		}
		x0, y0 = x1, y1
	}
	if volume > x0 {
		return y0, nil
	}
	return 0, ErrDoseQueryLogic
}

// Vx returns the volume receiving at least the given dose, the mirror of Dx
// with the scan running forward from the lowest-dose end. A dose at or below
// the first sample clamps to its volume; a dose beyond the last sample clamps
// to the last sample's volume.
func (h *DVH) Vx(dose float64) (float64, error) {
	if math.IsNaN(dose) || dose < 0 {
		return 0, fmt.Errorf("vx(%v): %w", dose, ErrNegativeDose)
	}
	if err := h.queryReady(); err != nil {
		return 0, err
	}

	n := len(h.doses)
	x0, y0 := h.doses[0], h.volumes[0]
	if dose <= x0 {
		return y0, nil
	}
	for i := 0; i < n; i++ {
		x1, y1 := h.doses[i], h.volumes[i]
		if dose >= x0 && dose <= x1 {
			return lerp(dose, x0, x1, y0, y1), nil
		}
		x0, y0 = x1, y1
	}
	if dose > h.doses[n-1] {
		return h.volumes[n-1], nil
	}
	return 0, ErrVolumeQueryLogic
}

// Check validates histogram consistency: index alignment, non-negative
// values, the percent bound, and sort state. Unsorted data is repaired by
// sorting rather than reported as a failure. The first violated invariant is
// returned.
func (h *DVH) Check() error {
	if len(h.doses) != len(h.volumes) {
		return fmt.Errorf("%d doses vs %d volumes: %w", len(h.doses), len(h.volumes), ErrSeriesLengthMismatch)
	}
	for i, d := range h.doses {
		if math.IsNaN(d) || d < 0 {
			return fmt.Errorf("dose[%d]=%v: %w", i, d, ErrNegativeDose)
		}
		v := h.volumes[i]
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("volume[%d]=%v: %w", i, v, ErrNegativeVolume)
		}
		if h.volumeUnit == VolumePercent && v > 1.0 {
			return fmt.Errorf("volume[%d]=%v: %w", i, v, ErrPercentOutOfRange)
		}
	}
	h.Sort()
	return nil
}

// lerp linearly interpolates y at x between (x0,y0) and (x1,y1). A degenerate
// bracket (x1 == x0, e.g. a duplicate-dose plateau) resolves to y0 instead of
// dividing by zero.
func lerp(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

// Clone returns a deep copy sharing no storage with the receiver.
func (h *DVH) Clone() *DVH {
	if h == nil {
		return nil
	}
	cp := &DVH{doseUnit: h.doseUnit, volumeUnit: h.volumeUnit, sorted: h.sorted}
	cp.doses = append([]float64(nil), h.doses...)
	cp.volumes = append([]float64(nil), h.volumes...)
	return cp
}

type dvhJSON struct {
	DoseUnit   DoseUnit   `json:"dose_unit"`
	VolumeUnit VolumeUnit `json:"volume_unit"`
	Doses      []float64  `json:"doses"`
	Volumes    []float64  `json:"volumes"`
}

// MarshalJSON serializes the unit tags and the two aligned series. The sort
// flag is deliberately excluded from the wire form: persisted input can never
// be trusted to be pre-sorted.
func (h *DVH) MarshalJSON() ([]byte, error) {
	return json.Marshal(dvhJSON{
		DoseUnit:   h.doseUnit,
		VolumeUnit: h.volumeUnit,
		Doses:      h.doses,
		Volumes:    h.volumes,
	})
}

// UnmarshalJSON decodes the wire form. The result is always marked unsorted;
// consumers must Sort (or Check) before querying. Mismatched series lengths
// fail the decode.
func (h *DVH) UnmarshalJSON(data []byte) error {
	var wire dvhJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Doses) != len(wire.Volumes) {
		return fmt.Errorf("decode histogram: %w", ErrSeriesLengthMismatch)
	}
	h.doseUnit = wire.DoseUnit
	h.volumeUnit = wire.VolumeUnit
	h.doses = wire.Doses
	h.volumes = wire.Volumes
	h.sorted = false
	return nil
}
