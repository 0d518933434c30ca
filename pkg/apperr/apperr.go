// Package apperr defines the sentinel error kinds shared across the
// dataplane. Call sites wrap these with fmt.Errorf("...: %w", ...) and
// callers unwrap with errors.Is/errors.As, matching plain Go error idiom
// rather than a bespoke error framework.
package apperr

import "errors"

var (
	// ErrInvalidData means a peer sent a malformed or out-of-protocol byte
	// sequence (bad magic, truncated header, unsupported version byte).
	ErrInvalidData = errors.New("invalid data")

	// ErrUnsupported means the request is well-formed but names a feature
	// this build intentionally does not implement (legacy VMess, QUIC).
	ErrUnsupported = errors.New("unsupported")

	// ErrAuthFailed means credential or session verification failed
	// (Shadowsocks AEAD tag, VLESS/Trojan UUID or password, REALITY auth).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTimeout means a read or write exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrConnectFailed means dialing the next outbound hop failed.
	ErrConnectFailed = errors.New("connect failed")

	// ErrReplayDetected means an AEAD-2022 salt was seen more than once
	// inside the replay filter's window.
	ErrReplayDetected = errors.New("replay detected")

	// ErrBlocked means the selector judged the destination as blocked.
	ErrBlocked = errors.New("destination blocked")

	// ErrConfigInvalid means a config document failed validation (cycle in
	// a group reference, missing PEM, bad UUID, quic transport requested).
	ErrConfigInvalid = errors.New("invalid config")
)
