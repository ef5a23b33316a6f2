package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid key", &InvalidKeyError{Key: ""}, `kv: invalid key ""`},
		{"key not found", &KeyNotFoundError{Key: "x"}, `kv: key not found: "x"`},
		{"store io", &StoreIOError{Path: "/tmp/db", Err: fmt.Errorf("locked")}, "kv: opening /tmp/db: locked"},
		{"decode with key", &DecodeError{Key: "k", Err: fmt.Errorf("bad")}, `kv: decode value for key "k": bad`},
		{"decode without key", &DecodeError{Err: fmt.Errorf("bad")}, "kv: decode value: bad"},
		{"type mismatch", &TypeMismatchError{Key: "n"}, `kv: value for key "n" is not numeric`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	inner := fs.ErrPermission
	err := fmt.Errorf("operation: %w", &StoreIOError{Path: "p", Err: inner})
	assert.True(t, errors.Is(err, inner))

	var ioErr *StoreIOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "p", ioErr.Path)
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsKeyNotFound(fmt.Errorf("wrapped: %w", &KeyNotFoundError{Key: "k"})))
	assert.False(t, IsKeyNotFound(&InvalidKeyError{Key: "k"}))
	assert.False(t, IsKeyNotFound(nil))

	assert.True(t, IsInvalidKey(fmt.Errorf("wrapped: %w", &InvalidKeyError{})))
	assert.False(t, IsInvalidKey(nil))
}
