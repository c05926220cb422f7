package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestPolicyDo(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		failures     int
		wantCalls    int
		wantErr      bool
		wantNotifies int
	}{
		{
			name:      "succeeds first time",
			policy:    Fixed(3, 0),
			failures:  0,
			wantCalls: 1,
		},
		{
			name:         "succeeds on last attempt",
			policy:       Fixed(3, 0),
			failures:     2,
			wantCalls:    3,
			wantNotifies: 2,
		},
		{
			name:         "exhausted",
			policy:       Fixed(2, 0),
			failures:     5,
			wantCalls:    2,
			wantErr:      true,
			wantNotifies: 1,
		},
		{
			name:      "zero attempts runs once",
			policy:    Policy{},
			failures:  5,
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, notifies := 0, 0
			p := tt.policy.WithNotify(func(error, time.Duration) { notifies++ })

			err := p.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return errFlaky
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantNotifies, notifies)
			if tt.wantErr {
				assert.ErrorIs(t, err, errFlaky)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicyDoNotRetryable(t *testing.T) {
	calls := 0
	p := Fixed(5, 0).WithRetryable(func(err error) bool { return !errors.Is(err, errFlaky) })

	err := p.Do(context.Background(), func() error {
		calls++
		return errFlaky
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestPolicyDoPermanent(t *testing.T) {
	calls := 0
	err := Fixed(5, 0).Do(context.Background(), func() error {
		calls++
		return Permanent(errFlaky)
	})

	assert.Equal(t, 1, calls)
	require.Error(t, err)
	assert.Equal(t, errFlaky, err)
}

func TestPolicyDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Fixed(5, time.Hour).Do(ctx, func() error {
		calls++
		cancel()
		return errFlaky
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
