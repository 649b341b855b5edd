// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package waveform implements the pure generators behind every simulated
// process value. A Spec describes one register, coil or byte cell; Evaluate
// maps (spec, elapsed seconds) to the value the cell should hold at that
// instant. Evaluators have no side effects so the simulation engine can call
// them from per-device tick loops without coordination.
package waveform

import (
	"fmt"
	"math"
	"math/rand"
)

// Wave tags accepted in the "wave" field of a Spec.
const (
	WaveFixed        = "fixed"
	WaveStatic       = "static"
	WaveSine         = "sine"
	WaveSawtooth     = "sawtooth"
	WaveTriangle     = "triangle"
	WaveSquare       = "square"
	WaveRandomWalk   = "random_walk"
	WaveNoise        = "noise"
	WaveCounter      = "counter"
	WaveExpDecay     = "exp_decay"
	WaveStepSequence = "step_sequence"
	WaveRandom       = "random"
)

// Register value types accepted in the "type" field of a Modbus Spec.
const (
	TypeInt16   = "int16"
	TypeFloat32 = "float32"
	TypeString  = "string"
)

// Value types accepted in the "type" field of an S7 Spec.
const (
	TypeS7Int   = "INT"
	TypeS7Word  = "WORD"
	TypeS7DInt  = "DINT"
	TypeS7DWord = "DWORD"
	TypeS7Real  = "REAL"
	TypeS7Byte  = "BYTE"
)

// Spec is the declarative description of one simulated cell. The same struct
// decodes from YAML profile files and from JSON device configs; which
// parameters are meaningful depends on the wave tag. Absent numeric
// parameters fall back to per-wave defaults, so they are pointers.
type Spec struct {
	Wave         string      `json:"wave,omitempty" yaml:"wave,omitempty"`
	Value        interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Min          *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	Period       *float64    `json:"period,omitempty" yaml:"period,omitempty"`
	Step         *float64    `json:"step,omitempty" yaml:"step,omitempty"`
	Initial      *float64    `json:"initial,omitempty" yaml:"initial,omitempty"`
	On           *float64    `json:"on,omitempty" yaml:"on,omitempty"`
	Off          *float64    `json:"off,omitempty" yaml:"off,omitempty"`
	Probability  *float64    `json:"probability,omitempty" yaml:"probability,omitempty"`
	Base         *float64    `json:"base,omitempty" yaml:"base,omitempty"`
	Amplitude    *float64    `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
	Target       *float64    `json:"target,omitempty" yaml:"target,omitempty"`
	TimeConstant *float64    `json:"time_constant,omitempty" yaml:"time_constant,omitempty"`
	StartOffset  *float64    `json:"start_offset,omitempty" yaml:"start_offset,omitempty"`
	Values       []float64   `json:"values,omitempty" yaml:"values,omitempty"`
	Durations    []float64   `json:"durations,omitempty" yaml:"durations,omitempty"`

	// Type selects how the simulation engine materializes the value into
	// device memory: int16/float32/string for Modbus registers,
	// INT/WORD/DINT/DWORD/REAL/BYTE for S7 areas.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	// Length is the register count reserved by a string entry.
	Length int `json:"length,omitempty" yaml:"length,omitempty"`
}

// Value is the result of one evaluation. Float carries numeric waves and Bool
// carries boolean waves; each mirrors the other so callers read whichever
// their target area needs. Str is set when a fixed or static entry declares a
// string value. Hold marks a static entry: the engine writes the value once
// and never again.
type Value struct {
	Float float64
	Bool  bool
	Str   string
	Hold  bool
}

// Source yields uniform draws in [0,1). The process-wide math/rand generator
// is the default; it is seeded at startup and safe for concurrent use.
type Source interface {
	Float64() float64
}

type processSource struct{}

func (processSource) Float64() float64 { return rand.Float64() }

// DefaultSource draws from the process-wide PRNG.
var DefaultSource Source = processSource{}

// Parameter defaults, matching the historical honeypot configs.
const (
	defaultMin            = 0
	defaultMax            = 65535
	defaultSinePeriod     = 300
	defaultSawtoothPeriod = 600
	defaultStep           = 5
	defaultOn             = 5
	defaultOff            = 5
	defaultProbability    = 0.5
	defaultAmplitude      = 10
	defaultCounterMax     = 65536
	defaultDecayInitial   = 100
	defaultDecayConstant  = 60
)

func fval(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

// coerce converts a decoded "value" field into every representation. JSON
// numbers arrive as float64, YAML integers as int, string entries as string.
func coerce(v interface{}) (float64, bool, string) {
	switch val := v.(type) {
	case bool:
		if val {
			return 1, true, ""
		}
		return 0, false, ""
	case int:
		return float64(val), val != 0, ""
	case int64:
		return float64(val), val != 0, ""
	case uint64:
		return float64(val), val != 0, ""
	case float32:
		return float64(val), val != 0, ""
	case float64:
		return val, val != 0, ""
	case string:
		return 0, val != "", val
	default:
		return 0, false, ""
	}
}

func numeric(f float64) Value {
	return Value{Float: f, Bool: f != 0}
}

func boolean(b bool) Value {
	v := Value{Bool: b}
	if b {
		v.Float = 1
	}
	return v
}

// Evaluate computes the value of s at t seconds after simulation start. prev
// is the previous value of the same cell and is consulted only by
// random_walk. A nil src falls back to DefaultSource.
func Evaluate(s *Spec, t float64, prev float64, src Source) (Value, error) {
	if src == nil {
		src = DefaultSource
	}

	switch s.Wave {
	case WaveFixed, "":
		f, b, str := coerce(s.Value)
		return Value{Float: f, Bool: b, Str: str}, nil

	case WaveStatic:
		v := Value{Hold: true}
		if s.Value != nil {
			v.Float, v.Bool, v.Str = coerce(s.Value)
		} else {
			v.Float = fval(s.Min, defaultMin)
			v.Bool = v.Float != 0
		}
		return v, nil

	case WaveSine:
		min, max := fval(s.Min, defaultMin), fval(s.Max, defaultMax)
		period := fval(s.Period, defaultSinePeriod)
		if period <= 0 {
			period = defaultSinePeriod
		}
		normalized := (math.Sin(2*math.Pi*t/period) + 1) / 2
		return numeric(min + normalized*(max-min)), nil

	case WaveSawtooth:
		min, max := fval(s.Min, defaultMin), fval(s.Max, defaultMax)
		period := fval(s.Period, defaultSawtoothPeriod)
		if period <= 0 {
			period = defaultSawtoothPeriod
		}
		position := math.Mod(t, period) / period
		return numeric(min + position*(max-min)), nil

	case WaveTriangle:
		min, max := fval(s.Min, defaultMin), fval(s.Max, defaultMax)
		period := fval(s.Period, defaultSawtoothPeriod)
		if period <= 0 {
			period = defaultSawtoothPeriod
		}
		position := math.Mod(t, period) / period
		normalized := position * 2
		if position >= 0.5 {
			normalized = 2 - position*2
		}
		return numeric(min + normalized*(max-min)), nil

	case WaveSquare:
		on, off := fval(s.On, defaultOn), fval(s.Off, defaultOff)
		cycle := on + off
		if cycle <= 0 {
			return boolean(false), nil
		}
		return boolean(math.Mod(t, cycle) < on), nil

	case WaveRandomWalk:
		min, max := fval(s.Min, defaultMin), fval(s.Max, defaultMax)
		step := fval(s.Step, defaultStep)
		next := prev + (2*src.Float64()-1)*step
		next = math.Max(min, math.Min(max, next))
		return numeric(next), nil

	case WaveNoise:
		base := fval(s.Base, 0)
		amplitude := fval(s.Amplitude, defaultAmplitude)
		return numeric(base + (2*src.Float64()-1)*amplitude), nil

	case WaveCounter:
		max := fval(s.Max, defaultCounterMax)
		if max <= 0 {
			max = defaultCounterMax
		}
		return numeric(math.Mod(math.Floor(t), max)), nil

	case WaveExpDecay:
		initial := fval(s.Initial, defaultDecayInitial)
		target := fval(s.Target, 0)
		tau := fval(s.TimeConstant, defaultDecayConstant)
		if tau <= 0 {
			tau = defaultDecayConstant
		}
		elapsed := t - fval(s.StartOffset, 0)
		if elapsed < 0 {
			return numeric(initial), nil
		}
		return numeric(target + (initial-target)*math.Exp(-elapsed/tau)), nil

	case WaveStepSequence:
		if len(s.Values) == 0 {
			return numeric(0), nil
		}
		if len(s.Values) != len(s.Durations) {
			return numeric(s.Values[0]), nil
		}
		var total float64
		for _, d := range s.Durations {
			total += d
		}
		if total <= 0 {
			return numeric(s.Values[0]), nil
		}
		elapsed := math.Mod(t, total)
		var cumulative float64
		for i, d := range s.Durations {
			cumulative += d
			if elapsed < cumulative {
				return numeric(s.Values[i]), nil
			}
		}
		return numeric(s.Values[len(s.Values)-1]), nil

	case WaveRandom:
		p := fval(s.Probability, defaultProbability)
		return boolean(src.Float64() < p), nil
	}

	return Value{}, fmt.Errorf("unknown wave %q", s.Wave)
}

// WalkInitial returns the starting point of a random_walk entry: the declared
// initial, or the midpoint of [min, max].
func WalkInitial(s *Spec) float64 {
	if s.Initial != nil {
		return *s.Initial
	}
	return (fval(s.Min, defaultMin) + fval(s.Max, defaultMax)) / 2
}

// Validate reports structural problems that would make a spec unusable at
// tick time. Type checks against a specific memory area are done by the
// profile loader, which knows the area.
func Validate(s *Spec) error {
	switch s.Wave {
	case "", WaveFixed, WaveStatic, WaveSine, WaveSawtooth, WaveTriangle,
		WaveSquare, WaveRandomWalk, WaveNoise, WaveCounter, WaveExpDecay,
		WaveRandom:
	case WaveStepSequence:
		if len(s.Values) == 0 {
			return fmt.Errorf("step_sequence requires a non-empty values list")
		}
		if len(s.Values) != len(s.Durations) {
			return fmt.Errorf("step_sequence values and durations differ in length (%d vs %d)", len(s.Values), len(s.Durations))
		}
	default:
		return fmt.Errorf("unknown wave %q", s.Wave)
	}
	if s.Type == TypeString && s.Length <= 0 {
		return fmt.Errorf("string entries require a positive length")
	}
	return nil
}
