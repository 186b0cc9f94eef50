package device

import "errors"

var (
	// ErrNotFound indicates a device was not found
	ErrNotFound = errors.New("device not found")

	// ErrSwitchNotFound indicates a device exists but has no such switch
	ErrSwitchNotFound = errors.New("switch not found")

	// ErrInvalidDevice indicates a device record failed validation on save
	ErrInvalidDevice = errors.New("invalid device")
)
