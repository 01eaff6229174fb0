package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4, 5.6.7.8", want: "1.2.3.4"},
		{name: "single forwarded", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4", want: "1.2.3.4"},
		{name: "no port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}

func TestRateLimiterMap(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	rl := newRateLimiterMap(2, done)

	limiter := rl.getLimiter("1.2.3.4")
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	assert.Same(t, limiter, rl.getLimiter("1.2.3.4"))
	assert.True(t, rl.getLimiter("5.6.7.8").Allow())
}
