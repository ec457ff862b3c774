package eerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindEntryNotFound, "entry abc123 not found")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindEntryNotFound, kind)
}

func TestKindOf_WrappedChain(t *testing.T) {
	inner := New(KindStorageIO, "bolt put failed")
	outer := fmt.Errorf("commit failed: %w", inner)

	kind, ok := KindOf(outer)
	require.True(t, ok)
	assert.Equal(t, KindStorageIO, kind)
}

func TestKindOf_PlainError(t *testing.T) {
	_, ok := KindOf(errors.New("not classified"))
	assert.False(t, ok)
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageIO, "persist entry", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestClassifiers(t *testing.T) {
	cases := []struct {
		name              string
		err               error
		notFound          bool
		permissionDenied  bool
		validation        bool
		transient         bool
	}{
		{"entry not found", New(KindEntryNotFound, "x"), true, false, false, false},
		{"key revoked", New(KindKeyRevoked, "x"), false, true, false, false},
		{"auth corrupted", New(KindAuthCorrupted, "x"), false, true, false, false},
		{"invalid key format", New(KindInvalidKeyFormat, "x"), false, false, true, false},
		{"store type mismatch", New(KindStoreTypeMismatch, "x"), false, false, true, false},
		{"storage io", New(KindStorageIO, "x"), false, false, false, true},
		{"request timeout", New(KindRequestTimeout, "x"), false, false, false, true},
		{"unclassified", errors.New("plain"), false, false, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.notFound, IsNotFound(tc.err))
			assert.Equal(t, tc.permissionDenied, IsPermissionDenied(tc.err))
			assert.Equal(t, tc.validation, IsValidationError(tc.err))
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func TestBootstrapPendingError(t *testing.T) {
	err := fmt.Errorf("sync rejected: %w", &BootstrapPendingError{RequestID: "req-1"})

	id, ok := IsBootstrapPending(err)
	require.True(t, ok)
	assert.Equal(t, "req-1", id)

	_, ok = IsBootstrapPending(errors.New("plain"))
	assert.False(t, ok)
}
