package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antonholmquist/jason"
)

// BoardSet maps board id to its presets.
type BoardSet map[int]map[Preset]Descriptor

// ParseBoards decodes a catalog document of the form
// {"boards": {"<id>": {"default": {...}, "auxiliary": {...}}}}.
func ParseBoards(data []byte) (BoardSet, error) {
	root, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	boards, err := root.GetObject("boards")
	if err != nil {
		return nil, fmt.Errorf("catalog has no boards object: %w", err)
	}

	out := make(BoardSet)
	for key, value := range boards.Map() {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("board key %q is not an integer", key)
		}
		presets, err := value.Object()
		if err != nil {
			return nil, fmt.Errorf("board %d: %w", id, err)
		}
		out[id] = make(map[Preset]Descriptor)
		for presetName, presetValue := range presets.Map() {
			preset, err := ParsePreset(presetName)
			if err != nil {
				return nil, fmt.Errorf("board %d: unknown preset %q", id, presetName)
			}
			obj, err := presetValue.Object()
			if err != nil {
				return nil, fmt.Errorf("board %d %s: %w", id, presetName, err)
			}
			d, err := parseDescriptor(obj)
			if err != nil {
				return nil, fmt.Errorf("board %d %s: %w", id, presetName, err)
			}
			out[id][preset] = d
		}
	}
	return out, nil
}

func parseDescriptor(obj *jason.Object) (Descriptor, error) {
	var d Descriptor
	var err error

	if d.Name, err = obj.GetString("name"); err != nil {
		return d, fmt.Errorf("name: %w", err)
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"sampling_rate", &d.SamplingRate},
		{"num_rows", &d.NumRows},
		{"package_num_channel", &d.PackageNumChannel},
		{"timestamp_channel", &d.TimestampChannel},
		{"marker_channel", &d.MarkerChannel},
	}
	for _, f := range ints {
		v, err := obj.GetInt64(f.key)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = int(v)
	}

	d.BatteryChannel = -1
	if v, err := obj.GetInt64("battery_channel"); err == nil {
		d.BatteryChannel = int(v)
	}

	groups := []struct {
		key string
		dst *[]int
	}{
		{"eeg_channels", &d.EEG},
		{"emg_channels", &d.EMG},
		{"ecg_channels", &d.ECG},
		{"eog_channels", &d.EOG},
		{"accel_channels", &d.Accel},
		{"gyro_channels", &d.Gyro},
		{"ppg_channels", &d.PPG},
		{"eda_channels", &d.EDA},
		{"analog_channels", &d.Analog},
		{"temperature_channels", &d.Temperature},
		{"resistance_channels", &d.Resistance},
		{"other_channels", &d.Other},
	}
	for _, g := range groups {
		values, err := obj.GetInt64Array(g.key)
		if err != nil {
			// Optional; absent groups stay nil.
			continue
		}
		*g.dst = make([]int, len(values))
		for i, v := range values {
			(*g.dst)[i] = int(v)
		}
	}

	if names, err := obj.GetString("eeg_names"); err == nil && names != "" {
		d.EEGNames = strings.Split(names, ",")
	}

	d.TimestampStrategy = HostReceipt
	if s, err := obj.GetString("timestamp_strategy"); err == nil {
		d.TimestampStrategy = TimestampStrategy(s)
	}

	return d, d.Validate()
}
