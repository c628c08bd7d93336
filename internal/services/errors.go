package services

import (
	"errors"
	"net/http"

	apperrors "github.com/charlesng35/usageguard/pkg/errors"
)

var (
	// ErrSessionNotFound is returned when no session matches a token or id.
	ErrSessionNotFound = apperrors.New("SESSION_NOT_FOUND", "Session not found", http.StatusNotFound)
	// ErrDeviceNotFound is returned when a device fingerprint id is unknown.
	ErrDeviceNotFound = apperrors.New("DEVICE_NOT_FOUND", "Device not found", http.StatusNotFound)
	// ErrBlockNotFound is returned when a block id is unknown or not visible to the caller.
	ErrBlockNotFound = apperrors.New("BLOCK_NOT_FOUND", "Block not found", http.StatusNotFound)
	// ErrUsageNotFound is returned when no ledger record exists for an account and day.
	ErrUsageNotFound = apperrors.New("USAGE_NOT_FOUND", "No usage recorded for this day", http.StatusNotFound)

	// ErrLowConfidence marks a fingerprint that was not recorded because its confidence is below
	// the configured floor.
	ErrLowConfidence = errors.New("fingerprint confidence below threshold")
)
