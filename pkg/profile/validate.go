// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package profile

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/DataDog/gridmimic/pkg/waveform"
)

// Validate checks a whole profile and reports every problem found, not just
// the first one.
func Validate(p *Profile) error {
	var errs *multierror.Error
	if err := ValidateModbus(p.Modbus); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := ValidateS7(p.S7); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ValidateModbus checks every entry of a Modbus section. A nil section is
// valid.
func ValidateModbus(m *ModbusSection) error {
	if m == nil {
		return nil
	}
	var errs *multierror.Error

	registers := map[string][]Entry{
		"holding_registers": m.HoldingRegisters,
		"input_registers":   m.InputRegisters,
	}
	for area, entries := range registers {
		for i := range entries {
			e := &entries[i]
			if err := validateAddress(area, e.Address); err != nil {
				errs = multierror.Append(errs, err)
			}
			switch e.Type {
			case "", waveform.TypeInt16, waveform.TypeFloat32, waveform.TypeString:
			default:
				errs = multierror.Append(errs, fmt.Errorf("%s address %d: unknown register type %q", area, e.Address, e.Type))
			}
			if err := waveform.Validate(&e.Spec); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s address %d: %w", area, e.Address, err))
			}
		}
	}

	bits := map[string][]Entry{
		"coils":           m.Coils,
		"discrete_inputs": m.DiscreteInputs,
	}
	for area, entries := range bits {
		for i := range entries {
			e := &entries[i]
			if err := validateAddress(area, e.Address); err != nil {
				errs = multierror.Append(errs, err)
			}
			if e.Type != "" {
				errs = multierror.Append(errs, fmt.Errorf("%s address %d: bit entries take no type", area, e.Address))
			}
			if err := waveform.Validate(&e.Spec); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s address %d: %w", area, e.Address, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// ValidateS7 checks every entry of an S7 section. A nil section is valid.
func ValidateS7(sec *S7Section) error {
	if sec == nil {
		return nil
	}
	var errs *multierror.Error

	for dbKey, offsets := range sec.DB {
		if _, err := ParseOffset(dbKey); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("db: %w", err))
			continue
		}
		for offKey, spec := range offsets {
			spec := spec
			if err := validateS7Entry("db "+dbKey, offKey, &spec); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	areas := map[string]map[string]waveform.Spec{
		"m": sec.M,
		"i": sec.I,
		"q": sec.Q,
	}
	for area, offsets := range areas {
		for offKey, spec := range offsets {
			spec := spec
			if err := validateS7Entry(area, offKey, &spec); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	return errs.ErrorOrNil()
}

func validateS7Entry(area, offKey string, spec *waveform.Spec) error {
	if _, err := ParseOffset(offKey); err != nil {
		return fmt.Errorf("%s: %w", area, err)
	}
	switch spec.Type {
	case "", waveform.TypeS7Int, waveform.TypeS7Word, waveform.TypeS7DInt,
		waveform.TypeS7DWord, waveform.TypeS7Real, waveform.TypeS7Byte:
	default:
		return fmt.Errorf("%s offset %s: unknown S7 type %q", area, offKey, spec.Type)
	}
	if err := waveform.Validate(spec); err != nil {
		return fmt.Errorf("%s offset %s: %w", area, offKey, err)
	}
	return nil
}

func validateAddress(area string, addr int) error {
	if addr < 0 || addr > 0xFFFF {
		return fmt.Errorf("%s: address %d out of range", area, addr)
	}
	return nil
}

// ParseOffset converts a decimal map key (DB number or byte offset) into an
// int.
func ParseOffset(key string) (int, error) {
	n, err := strconv.Atoi(key)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad offset key %q", key)
	}
	return n, nil
}
