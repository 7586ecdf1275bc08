// device.go: narrow tensor/runtime collaborator facade
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import "fmt"

// Pinner is implemented by payload/batch types that can allocate a
// host-pinned copy of themselves for fast device transfer. The core never
// requires this interface - it only checks for it - so plain values pass
// through pinIfSupported unchanged.
type Pinner interface {
	PinMemory() (any, error)
}

// Devicer is implemented by payload/batch types that know which device
// they currently live on. It is consulted only for diagnostics - a pin
// failure names the device the value lives on; nothing in this package
// moves data between devices on its own.
type Devicer interface {
	Device() string
}

// pinIfSupported calls PinMemory on v when v implements Pinner, otherwise
// returns v unchanged. A pin failure is reported as ErrBackendFailure,
// wrapping the collaborator's error unmodified; when the value also
// implements Devicer, the failure names its device.
func pinIfSupported(op string, v any) (any, error) {
	p, ok := v.(Pinner)
	if !ok {
		return v, nil
	}
	pinned, err := p.PinMemory()
	if err != nil {
		if d, ok := v.(Devicer); ok {
			err = fmt.Errorf("pin on device %s: %w", d.Device(), err)
		}
		return nil, &Error{Op: op, Err: joinBackendFailure(err)}
	}
	return pinned, nil
}

// pinValue is the typed front door to pinIfSupported: it preserves the
// caller's payload/batch type across the pin. A Pinner that returns a
// value of a different type than it was called on is a collaborator bug,
// reported as ErrBackendFailure.
func pinValue[V any](op string, v V, enabled bool) (V, error) {
	if !enabled {
		return v, nil
	}
	pinned, err := pinIfSupported(op, v)
	if err != nil {
		var zero V
		return zero, err
	}
	out, ok := pinned.(V)
	if !ok {
		var zero V
		return zero, &Error{Op: op, Err: joinBackendFailure(fmt.Errorf("pinned copy has type %T, expected %T", pinned, v))}
	}
	return out, nil
}

func joinBackendFailure(err error) error {
	return &wrappedBackend{err: err}
}

// wrappedBackend lets errors.Is(err, ErrBackendFailure) succeed while
// errors.Unwrap still surfaces the collaborator's original error, per the
// "propagated unchanged" requirement.
type wrappedBackend struct{ err error }

func (w *wrappedBackend) Error() string { return "backend failure: " + w.err.Error() }
func (w *wrappedBackend) Unwrap() error { return w.err }
func (w *wrappedBackend) Is(target error) bool { return target == ErrBackendFailure }
