// Package errs defines the error kinds shared across every component
// boundary (spec.md §7), as a flat sentinel-error block in the style of
// samsamfire-gocanopen/errors.go, generalized with %w-wrapping and a Kind
// enum so callers can recover the kind of a wrapped error without a parallel
// type hierarchy.
package errs

import "errors"

// Kind classifies an error at a component boundary.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNullInput
	KindInvalidLength
	KindTransmit
	KindReceive
	KindTimeout
	KindDriverInstall
	KindDriverStart
	KindDriverStop
	KindDriverUninstall
	KindRouteFailure
	KindUpdateInProgress
)

var (
	ErrNullInput        = errors.New("required input missing")
	ErrInvalidLength     = errors.New("payload length invalid")
	ErrTransmit          = errors.New("driver failed to send frame")
	ErrReceive           = errors.New("driver failed to receive frame, or checksum mismatched")
	ErrTimeout           = errors.New("bounded wait expired")
	ErrDriverInstall     = errors.New("driver install failed")
	ErrDriverStart       = errors.New("driver start failed")
	ErrDriverStop        = errors.New("driver stop failed")
	ErrDriverUninstall   = errors.New("driver uninstall failed")
	ErrRouteFailure      = errors.New("no route available, or multicast group empty")
	ErrUpdateInProgress  = errors.New("an OTA update is already in progress")
)

var sentinelKind = map[error]Kind{
	ErrNullInput:       KindNullInput,
	ErrInvalidLength:    KindInvalidLength,
	ErrTransmit:         KindTransmit,
	ErrReceive:          KindReceive,
	ErrTimeout:          KindTimeout,
	ErrDriverInstall:    KindDriverInstall,
	ErrDriverStart:      KindDriverStart,
	ErrDriverStop:       KindDriverStop,
	ErrDriverUninstall:  KindDriverUninstall,
	ErrRouteFailure:     KindRouteFailure,
	ErrUpdateInProgress: KindUpdateInProgress,
}

// KindOf recovers the Kind of err by walking its wrap chain against the
// sentinel table, defaulting to KindUnknown ("everything else is a fatal
// bubble-up", per spec.md §7).
func KindOf(err error) Kind {
	for sentinel, kind := range sentinelKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
