package domain

import "errors"

// Sentinel errors surfaced by histogram queries and validation. Callers match
// them with errors.Is; every public operation fails with exactly one of these
// so the unmet precondition is always identifiable.
var (
	// ErrUnsorted indicates a query was issued before Sort.
	ErrUnsorted = errors.New("histogram data is not sorted")
	// ErrNoData indicates the histogram holds zero points.
	ErrNoData = errors.New("histogram holds no data")
	// ErrInsufficientData indicates fewer than two points, too few to interpolate.
	ErrInsufficientData = errors.New("histogram needs at least two data points")
	// ErrNegativeDose rejects a negative (or NaN) dose input.
	ErrNegativeDose = errors.New("dose must be a non-negative number")
	// ErrNegativeVolume rejects a negative (or NaN) volume input.
	ErrNegativeVolume = errors.New("volume must be a non-negative number")
	// ErrPercentOutOfRange rejects a percent volume outside [0, 1].
	ErrPercentOutOfRange = errors.New("percent volume outside [0.0, 1.0]")
	// ErrSeriesLengthMismatch rejects dose and volume series of different lengths.
	ErrSeriesLengthMismatch = errors.New("dose and volume series lengths differ")

	// ErrDoseQueryLogic and ErrVolumeQueryLogic flag a broken bracket-scan
	// invariant: the boundary clamps bound all well-formed inputs, so
	// reaching either signals a defect rather than bad input.
	ErrDoseQueryLogic   = errors.New("internal error in dose-at-volume bracket scan")
	ErrVolumeQueryLogic = errors.New("internal error in volume-at-dose bracket scan")
)
