package irt

// CalibrationState tracks which role an item plays during a calibration run.
type CalibrationState string

const (
	StateCalibration  CalibrationState = "calibration"
	StateHoldout      CalibrationState = "holdout"
	StateUncalibrated CalibrationState = "uncalibrated"
)

// Item is a single calibrated evaluation task in the bank.
//
// Difficulty (b) is on the ability scale: 0 is average, positive is harder.
// Discrimination (a) controls how sharply the item separates ability levels.
// Guessing (c) is the lower asymptote of the response curve; it is 0 under
// the default 2PL model and only set when the 3PL extension is in use.
type Item struct {
	ID             string           `json:"id"`
	Payload        string           `json:"payload"`
	Difficulty     float64          `json:"difficulty"`
	Discrimination float64          `json:"discrimination"`
	Guessing       float64          `json:"guessing,omitempty"`
	Domain         string           `json:"domain"`
	State          CalibrationState `json:"state"`
}

// Clone returns an independent copy, used when building a new snapshot.
func (i *Item) Clone() *Item {
	cp := *i
	return &cp
}
