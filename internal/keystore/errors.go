package keystore

import "errors"

var (
	// ErrNotFound is returned when a key id (or alias) has no matching record.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrAliasTaken is returned by Create when the requested alias collides
	// with an existing key's alias.
	ErrAliasTaken = errors.New("keystore: alias already in use")
	// ErrKeyLimitReached is returned by Create once MaxKeys records exist
	// (revoked records still count toward the limit).
	ErrKeyLimitReached = errors.New("keystore: key limit reached")
	// ErrInvalidAmount is returned when a caller passes a non-positive amount
	// to a mutation that requires one. This is a programmer error, not a
	// runtime condition a client request can trigger.
	ErrInvalidAmount = errors.New("keystore: amount must be positive")
	// ErrSameKey is returned by Transfer when source and destination match.
	ErrSameKey = errors.New("keystore: cannot transfer to the same key")
)
