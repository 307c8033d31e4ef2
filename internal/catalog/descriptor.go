// Package catalog describes the sample layout of every supported board.
package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// Preset selects one of the independent data streams of a board.
type Preset int

const (
	DefaultPreset   Preset = 0
	AuxiliaryPreset Preset = 1
	AncillaryPreset Preset = 2
)

// AllPresets lists presets in index order.
var AllPresets = []Preset{DefaultPreset, AuxiliaryPreset, AncillaryPreset}

func (p Preset) String() string {
	switch p {
	case DefaultPreset:
		return "default"
	case AuxiliaryPreset:
		return "auxiliary"
	case AncillaryPreset:
		return "ancillary"
	default:
		return fmt.Sprintf("preset(%d)", int(p))
	}
}

// ParsePreset accepts the catalog key ("default", "auxiliary", "ancillary").
func ParsePreset(s string) (Preset, error) {
	for _, p := range AllPresets {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, errors.New(errcode.InvalidArguments).
		Component("catalog").
		Category(errors.CategoryValidation).
		Context("preset", s).
		Build()
}

// Valid reports whether p is one of the three known presets.
func (p Preset) Valid() bool {
	return p >= DefaultPreset && p <= AncillaryPreset
}

// TimestampStrategy names how the timestamp channel is produced.
type TimestampStrategy string

const (
	// HostReceipt stamps each sample with the host clock when its bytes arrive.
	HostReceipt TimestampStrategy = "host_receipt"
	// DeviceCalibrated converts the device clock with a measured host offset.
	DeviceCalibrated TimestampStrategy = "device_calibrated"
)

// Descriptor is the layout of one (board, preset) stream. Channel fields hold
// row indices into a sample.
type Descriptor struct {
	Name              string            `json:"name"`
	SamplingRate      int               `json:"sampling_rate"`
	NumRows           int               `json:"num_rows"`
	PackageNumChannel int               `json:"package_num_channel"`
	TimestampChannel  int               `json:"timestamp_channel"`
	MarkerChannel     int               `json:"marker_channel"`
	BatteryChannel    int               `json:"battery_channel"` // -1 when absent
	EEGNames          []string          `json:"eeg_names,omitempty"`
	EEG               []int             `json:"eeg_channels,omitempty"`
	EMG               []int             `json:"emg_channels,omitempty"`
	ECG               []int             `json:"ecg_channels,omitempty"`
	EOG               []int             `json:"eog_channels,omitempty"`
	Accel             []int             `json:"accel_channels,omitempty"`
	Gyro              []int             `json:"gyro_channels,omitempty"`
	PPG               []int             `json:"ppg_channels,omitempty"`
	EDA               []int             `json:"eda_channels,omitempty"`
	Analog            []int             `json:"analog_channels,omitempty"`
	Temperature       []int             `json:"temperature_channels,omitempty"`
	Resistance        []int             `json:"resistance_channels,omitempty"`
	Other             []int             `json:"other_channels,omitempty"`
	TimestampStrategy TimestampStrategy `json:"timestamp_strategy"`
}

// ExG returns the union of EEG, EMG, ECG and EOG rows in ascending order.
func (d *Descriptor) ExG() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, group := range [][]int{d.EEG, d.EMG, d.ECG, d.EOG} {
		for _, ch := range group {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				out = append(out, ch)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Validate checks that every index fits num_rows and the mandatory slots exist.
func (d *Descriptor) Validate() error {
	if d.NumRows <= 0 || d.SamplingRate <= 0 {
		return fmt.Errorf("descriptor %q: num_rows and sampling_rate must be positive", d.Name)
	}
	inRange := func(ch int) bool { return ch >= 0 && ch < d.NumRows }
	for _, ch := range []int{d.PackageNumChannel, d.TimestampChannel, d.MarkerChannel} {
		if !inRange(ch) {
			return fmt.Errorf("descriptor %q: channel %d outside %d rows", d.Name, ch, d.NumRows)
		}
	}
	if d.BatteryChannel != -1 && !inRange(d.BatteryChannel) {
		return fmt.Errorf("descriptor %q: battery channel %d outside %d rows", d.Name, d.BatteryChannel, d.NumRows)
	}
	for _, group := range [][]int{d.EEG, d.EMG, d.ECG, d.EOG, d.Accel, d.Gyro, d.PPG, d.EDA, d.Analog, d.Temperature, d.Resistance, d.Other} {
		for _, ch := range group {
			if !inRange(ch) {
				return fmt.Errorf("descriptor %q: channel %d outside %d rows", d.Name, ch, d.NumRows)
			}
		}
	}
	switch d.TimestampStrategy {
	case HostReceipt, DeviceCalibrated:
	default:
		return fmt.Errorf("descriptor %q: unknown timestamp strategy %q", d.Name, d.TimestampStrategy)
	}
	return nil
}
