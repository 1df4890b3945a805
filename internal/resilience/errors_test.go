package resilience

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "dial tcp: deadline exceeded" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(eris.New("rate limited"), 429), true},
		{"wrapped transient", eris.Wrap(NewTransientError(eris.New("portal 503"), 503), "fetch roster"), true},
		{"network timeout", fakeTimeout{}, true},
		{"connection reset errno", fmt.Errorf("read extract: %w", syscall.ECONNRESET), true},
		{"connection refused errno", syscall.ECONNREFUSED, true},
		{"reset message fragment", eris.New("read tcp 10.0.0.4:443: connection reset by peer"), true},
		{"dns fragment", eris.New("dial tcp: lookup portal.handelsregister.example: no such host"), true},
		{"model api overloaded message", eris.New("anthropic: Overloaded"), true},
		{"permanent validation error", eris.New("sf: INVALID_FIELD: No such column"), false},
		{"plain domain error", eris.New("candidate roster empty"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestTransientError_UnwrapsToCause(t *testing.T) {
	cause := eris.New("bulkhead full")
	te := NewTransientError(cause, 503)

	assert.Equal(t, "bulkhead full", te.Error())
	assert.ErrorIs(t, te, cause)
	assert.Equal(t, 503, te.StatusCode)
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
