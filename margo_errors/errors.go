// Provides common margo errors definitions.
package margo_errors

import "errors"

var (
	ErrCorpusUnknown = errors.New("margo: unknown corpus")
	ErrRecordUnknown = errors.New("margo: unknown record")

	ErrIndexUnbuilt = errors.New("margo: offset index is not built")
	ErrStaleIndex   = errors.New("margo: offset index is stale")

	ErrNoLedger        = errors.New("margo: no ledger connected")
	ErrLedgerTransient = errors.New("margo: transient ledger failure")
	ErrRowNotFound     = errors.New("margo: ledger row not found")

	ErrQueueNotLoaded  = errors.New("margo: corpus queue is empty or not loaded")
	ErrFilterExhausted = errors.New("margo: active filter matches no available work")
	ErrNoCandidate     = errors.New("margo: no unlocked, unannotated work remains")

	ErrClosed = errors.New("margo: engine is closed")
)
