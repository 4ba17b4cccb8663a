package chat

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lunarc/aika/internal/backend"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"rate limited", &backend.StatusError{Code: 429}, CategoryRateLimit},
		{"unauthorized", &backend.StatusError{Code: 401}, CategoryAuth},
		{"forbidden", &backend.StatusError{Code: 403}, CategoryAuth},
		{"internal error", &backend.StatusError{Code: 500}, CategoryServer},
		{"bad gateway", &backend.StatusError{Code: 502}, CategoryServer},
		{"bad request", &backend.StatusError{Code: 400}, CategoryServer},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"wrapped deadline", &url.Error{Op: "Post", URL: "http://x", Err: context.DeadlineExceeded}, CategoryTimeout},
		{"refused connection", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial"}}, CategoryNetwork},
		{"plain op error", &net.OpError{Op: "read"}, CategoryNetwork},
		{"anything else", errors.New("boom"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terr := ClassifyError(tt.err)
			assert.Equal(t, tt.want, terr.Category)
			assert.NotEmpty(t, terr.Message)
			assert.NotEmpty(t, terr.Remedy)
			assert.ErrorIs(t, terr, tt.err)
		})
	}
}
