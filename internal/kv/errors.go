package kv

import (
	"errors"
	"fmt"
)

// InvalidKeyError reports a key rejected by validation. Keys are checked
// before any statement is issued, so a failed operation has touched nothing.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("kv: invalid key %q", e.Key)
}

// KeyNotFoundError is returned by the strict lookup and delete variants when
// the key has no row. Get with a fallback never returns this.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("kv: key not found: %q", e.Key)
}

// StoreIOError reports a failure to open a connection scope on the backing
// file: lock not acquired within the timeout, unreachable path, or a
// permission problem. Callers own any retry policy.
type StoreIOError struct {
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("kv: opening %s: %v", e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// DecodeError reports stored text that is not a valid document serialization.
// It signals on-disk corruption or a schema mismatch and is always surfaced.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kv: decode value: %v", e.Err)
	}
	return fmt.Sprintf("kv: decode value for key %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TypeMismatchError is returned by AtomicAdd when the stored value is not a
// bare number.
type TypeMismatchError struct {
	Key string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("kv: value for key %q is not numeric", e.Key)
}

// IsKeyNotFound reports whether err is a KeyNotFoundError.
// Uses errors.As to handle wrapped errors.
func IsKeyNotFound(err error) bool {
	var e *KeyNotFoundError
	return errors.As(err, &e)
}

// IsInvalidKey reports whether err is an InvalidKeyError.
func IsInvalidKey(err error) bool {
	var e *InvalidKeyError
	return errors.As(err, &e)
}
