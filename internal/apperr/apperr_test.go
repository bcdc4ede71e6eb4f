package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	base := Wrap(KindTransientStore, "store.get", errors.New("connection refused"))
	wrapped := fmt.Errorf("engine: read: %w", base)

	assert.Equal(t, KindTransientStore, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTransientStore))
	assert.True(t, IsRetryable(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, KindInternal))
}

func TestRetryableKinds(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransientStore, true},
		{KindProviderUnavailable, true},
		{KindMalformedIdentifier, false},
		{KindProviderAuth, false},
		{KindProviderRejected, false},
		{KindNotFound, false},
		{KindVerificationTimeout, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, New(tt.kind, "op", "msg").Retryable())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrapf(KindProviderAuth, "provider.cancel", errors.New("401"), "check STRIPE_SECRET_KEY")
	assert.Equal(t, "provider.cancel: provider_auth: check STRIPE_SECRET_KEY: 401", err.Error())

	assert.Nil(t, Wrap(KindInternal, "op", nil))
	assert.Equal(t, "not_found: no record", New(KindNotFound, "", "no record").Error())
}
