package clinical

import (
	"fmt"
	"math"
	"sort"
)

// VitalKey names one vital sign.
type VitalKey string

const (
	VitalHeartRate       VitalKey = "hr"
	VitalSystolicBP      VitalKey = "sbp"
	VitalDiastolicBP     VitalKey = "dbp"
	VitalRespiratoryRate VitalKey = "rr"
	VitalSpO2            VitalKey = "spo2"
	VitalTemperature     VitalKey = "temp"
)

// VitalKeys lists every known vital in display order.
func VitalKeys() []VitalKey {
	return []VitalKey{
		VitalHeartRate,
		VitalSystolicBP,
		VitalDiastolicBP,
		VitalRespiratoryRate,
		VitalSpO2,
		VitalTemperature,
	}
}

// ParseVitalKey accepts a known key or a common alias.
func ParseVitalKey(raw string) (VitalKey, error) {
	switch raw {
	case "hr", "heartRate", "heart_rate":
		return VitalHeartRate, nil
	case "sbp", "systolic", "bpSystolic":
		return VitalSystolicBP, nil
	case "dbp", "diastolic", "bpDiastolic":
		return VitalDiastolicBP, nil
	case "rr", "respRate", "respiratory_rate":
		return VitalRespiratoryRate, nil
	case "spo2", "SpO2", "o2sat":
		return VitalSpO2, nil
	case "temp", "temperature":
		return VitalTemperature, nil
	default:
		return "", fmt.Errorf("unknown vital %q", raw)
	}
}

// Vitals is a vital-sign record. Each field is optional.
type Vitals struct {
	HeartRate       *float64 `json:"hr,omitempty" yaml:"hr,omitempty"`
	SystolicBP      *float64 `json:"sbp,omitempty" yaml:"sbp,omitempty"`
	DiastolicBP     *float64 `json:"dbp,omitempty" yaml:"dbp,omitempty"`
	RespiratoryRate *float64 `json:"rr,omitempty" yaml:"rr,omitempty"`
	SpO2            *float64 `json:"spo2,omitempty" yaml:"spo2,omitempty"`
	Temperature     *float64 `json:"temp,omitempty" yaml:"temp,omitempty"`
}

func (v *Vitals) field(key VitalKey) **float64 {
	switch key {
	case VitalHeartRate:
		return &v.HeartRate
	case VitalSystolicBP:
		return &v.SystolicBP
	case VitalDiastolicBP:
		return &v.DiastolicBP
	case VitalRespiratoryRate:
		return &v.RespiratoryRate
	case VitalSpO2:
		return &v.SpO2
	case VitalTemperature:
		return &v.Temperature
	default:
		return nil
	}
}

// Get returns the value of a vital and whether it is set.
func (v Vitals) Get(key VitalKey) (float64, bool) {
	ptr := v.field(key)
	if ptr == nil || *ptr == nil {
		return 0, false
	}
	return **ptr, true
}

// Set assigns a vital. Unknown keys are ignored.
func (v *Vitals) Set(key VitalKey, value float64) {
	ptr := v.field(key)
	if ptr == nil {
		return
	}
	*ptr = &value
}

// Clear unsets a vital.
func (v *Vitals) Clear(key VitalKey) {
	if ptr := v.field(key); ptr != nil {
		*ptr = nil
	}
}

// Clone returns a copy that shares no pointers with v.
func (v Vitals) Clone() Vitals {
	var out Vitals
	for _, key := range VitalKeys() {
		if value, ok := v.Get(key); ok {
			out.Set(key, value)
		}
	}
	return out
}

// Map flattens the set vitals into a map.
func (v Vitals) Map() map[VitalKey]float64 {
	out := make(map[VitalKey]float64)
	for _, key := range VitalKeys() {
		if value, ok := v.Get(key); ok {
			out[key] = value
		}
	}
	return out
}

// VitalsFromMap builds a record from a key/value map.
func VitalsFromMap(values map[VitalKey]float64) Vitals {
	var out Vitals
	for key, value := range values {
		out.Set(key, value)
	}
	return out
}

// DropNonFinite unsets every NaN or infinite value and reports the dropped keys.
func (v *Vitals) DropNonFinite() []VitalKey {
	var dropped []VitalKey
	for _, key := range VitalKeys() {
		value, ok := v.Get(key)
		if ok && (math.IsNaN(value) || math.IsInf(value, 0)) {
			v.Clear(key)
			dropped = append(dropped, key)
		}
	}
	return dropped
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp limits value to the range.
func (r Range) Clamp(value float64) float64 {
	return math.Min(r.Max, math.Max(r.Min, value))
}

// Contains reports whether value lies in the range.
func (r Range) Contains(value float64) bool {
	return value >= r.Min && value <= r.Max
}

// Bounds maps vitals to their physiologic limits.
type Bounds map[VitalKey]Range

// DefaultBounds returns adult physiologic limits used when a scenario does
// not override them.
func DefaultBounds() Bounds {
	return Bounds{
		VitalHeartRate:       {Min: 20, Max: 250},
		VitalSystolicBP:      {Min: 40, Max: 260},
		VitalDiastolicBP:     {Min: 20, Max: 160},
		VitalRespiratoryRate: {Min: 4, Max: 60},
		VitalSpO2:            {Min: 50, Max: 100},
		VitalTemperature:     {Min: 30, Max: 43},
	}
}

// Merge overlays override onto b and returns a new Bounds.
func (b Bounds) Merge(override Bounds) Bounds {
	out := make(Bounds, len(b)+len(override))
	for key, value := range b {
		out[key] = value
	}
	for key, value := range override {
		out[key] = value
	}
	return out
}

// Clamp limits value by the bound for key. Keys without a bound pass through.
func (b Bounds) Clamp(key VitalKey, value float64) float64 {
	r, ok := b[key]
	if !ok {
		return value
	}
	return r.Clamp(value)
}

// SortedKeys returns the keys of a delta map in a stable order so that
// application order never depends on map iteration.
func SortedKeys(values map[VitalKey]float64) []VitalKey {
	keys := make([]VitalKey, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
