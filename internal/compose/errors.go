package compose

import (
	"errors"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// Per-entry failure taxonomy. None of these abort a composition: each maps
// to an AuthStatus recorded on the affected registry entry.
var (
	// ErrMissingCredential — required credential absent or expired.
	// User-actionable: the UI prompts re-authorization.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidTransportConfig — malformed URL or command.
	ErrInvalidTransportConfig = errors.New("invalid transport config")

	// ErrUnsupportedTransport — unknown transport kind.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrBuildTimeout — per-entry build deadline exceeded.
	ErrBuildTimeout = errors.New("server build timed out")
)

// statusForError maps a per-entry failure to the AuthStatus surfaced in the
// registry. Explicit outcomes, no exceptions across component boundaries.
func statusForError(err error) models.AuthStatus {
	switch {
	case err == nil:
		return models.AuthStatusOK
	case errors.Is(err, ErrMissingCredential):
		return models.AuthStatusMissingCredential
	case errors.Is(err, ErrInvalidTransportConfig):
		return models.AuthStatusInvalidConfig
	case errors.Is(err, ErrUnsupportedTransport):
		return models.AuthStatusUnsupported
	case errors.Is(err, ErrBuildTimeout):
		return models.AuthStatusBuildTimeout
	default:
		return models.AuthStatusError
	}
}
