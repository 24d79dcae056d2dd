package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"request timeout after 30s", true},
		{"Connection reset by peer", true},
		{"network unreachable", true},
		{"temporary failure in name resolution", true},
		{"rate limit exceeded", true},
		{"internal server error", true},
		{"upstream returned 503", true},
		{"gateway timeout 504", true},
		{"validation failed: amount", false},
		{"authentication required", false},
		{"permission denied", false},
		{"account not found", false},
		{"invalid data in row 4", false},
		{"missing required field period", false},
		{"status 404", false},
		{"timeout while fetching: 404", false},
		{"connection timeout during validation", false},
		{"422 unprocessable entity after timeout", false},
		{"something odd happened", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.msg), "message %q", tc.msg)
	}
}

func TestIsRetryableIgnoresDigitsInsideWords(t *testing.T) {
	assert.False(t, IsRetryable("invoice INV5000 rejected"))
	assert.True(t, IsRetryable("timeout on batch 14042"))
}
