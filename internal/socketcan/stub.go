//go:build !linux

package socketcan

import (
	"errors"

	"github.com/canpipe/canpipe/internal/can"
)

// ErrLinuxOnly is returned by Open on non-Linux platforms so the module
// still builds on non-Linux CI runners with a clear startup error instead
// of a missing-symbol compile failure.
var ErrLinuxOnly = errors.New("socketcan: CAN backend is Linux-only")

// Device is an opaque stand-in satisfying callers' type references.
type Device struct{}

// Open always fails on non-Linux platforms.
func Open(iface string) (*Device, error) { return nil, ErrLinuxOnly }

func (d *Device) Close() error                 { return nil }
func (d *Device) ReadFrame(fr *can.Frame) error { return ErrLinuxOnly }
func (d *Device) WriteFrame(fr can.Frame) error { return ErrLinuxOnly }
