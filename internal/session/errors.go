package session

import "errors"

var (
	// ErrNotFound means no live session record exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrConflictMemory means a live record already exists.
	ErrConflictMemory = errors.New("session already exists (in memory)")
	// ErrConflictDisk means the session directory already exists.
	ErrConflictDisk = errors.New("session already exists (on disk)")
	// ErrNotReady means the operation requires READY status.
	ErrNotReady = errors.New("session not ready")
	// ErrValidation wraps malformed-request errors.
	ErrValidation = errors.New("validation")
	// ErrQRNotReady means the session is still initializing its pairing code.
	ErrQRNotReady = errors.New("qr not available yet")
	// ErrQRTimeout means a bounded pairing-code wait expired.
	ErrQRTimeout = errors.New("qr wait timed out")
	// ErrAlreadyAuthenticated means a pairing code was requested after
	// authentication completed.
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	// ErrAdapter wraps failures of the underlying client.
	ErrAdapter = errors.New("adapter failure")
	// ErrUnrecoverable means bootstrap gave up on a session and removed
	// its data.
	ErrUnrecoverable = errors.New("session unrecoverable")
)
