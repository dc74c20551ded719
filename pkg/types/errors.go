package types

import "errors"

// Package model errors.
var (
	// ErrUnknownKind is returned when a package kind is not session, event or revenue.
	ErrUnknownKind = errors.New("unknown activity kind")

	// ErrMissingPath is returned when a package has no collector path.
	ErrMissingPath = errors.New("activity package has no path")
)

// Validate checks the structural invariants of a package before it is queued.
func (p *ActivityPackage) Validate() error {
	switch p.Kind {
	case KindSession, KindEvent, KindRevenue:
	default:
		return ErrUnknownKind
	}
	if p.Path == "" {
		return ErrMissingPath
	}
	return nil
}
