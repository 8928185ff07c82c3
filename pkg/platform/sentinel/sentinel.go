package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into transport responses.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in store
// - ErrExpired: one-time code has passed its time-to-live
// - ErrCodeMismatch: submitted code differs from the issued one
// - ErrLocked: subject temporarily locked out after repeated failures
// - ErrUnauthorized: caller lacks a valid admin token
// - ErrUnavailable: external collaborator (chain RPC, redis) unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("expired")
	ErrCodeMismatch = errors.New("code mismatch")
	ErrLocked       = errors.New("locked")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)
