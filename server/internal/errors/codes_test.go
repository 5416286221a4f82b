package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/sessioncache/plugin/ai/session"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"invalid turn", fmt.Errorf("append: %w", session.ErrInvalidTurn), ErrCodeInvalidArgument, http.StatusBadRequest},
		{"invalid identity", &session.Error{Op: "get", Err: session.ErrInvalidIdentity}, ErrCodeInvalidArgument, http.StatusBadRequest},
		{"not found", &session.Error{Op: "history", Key: "slack:c:u", Err: session.ErrNotFound}, ErrCodeNotFound, http.StatusNotFound},
		{"busy", session.ErrSessionBusy, ErrCodeSessionBusy, http.StatusConflict},
		{"summarizer", fmt.Errorf("%w: boom", session.ErrSummarizationFailed), ErrCodeSummarizationFailed, http.StatusBadGateway},
		{"persistence", session.ErrPersistenceWrite, ErrCodePersistenceFailed, http.StatusServiceUnavailable},
		{"closed", session.ErrStoreClosed, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, ErrCodeContextCanceled, 499},
		{"other", stderrors.New("disk on fire"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.Code.HTTPStatus())
			assert.ErrorIs(t, apiErr, tt.err)
			assert.NotEmpty(t, apiErr.Message)
		})
	}

	assert.Nil(t, FromError(nil))
}

func TestFromError_KeepsAPIError(t *testing.T) {
	orig := InvalidArgument("content is required")
	got := FromError(fmt.Errorf("handler: %w", orig))
	assert.Same(t, orig, got)
	assert.True(t, IsCode(got, ErrCodeInvalidArgument))
	assert.False(t, IsCode(got, ErrCodeNotFound))
}

func TestAPIError(t *testing.T) {
	err := LLMUnavailable("chat failed", stderrors.New("502 from upstream")).WithContext("model", "gpt-4o")
	assert.Equal(t, "[LLM_UNAVAILABLE] chat failed: 502 from upstream", err.Error())
	assert.Equal(t, "gpt-4o", err.Context["model"])
	assert.Equal(t, ErrCodeLLMUnavailable, err.GetCode())

	assert.Equal(t, "[NOT_FOUND] session not found: a:b:c", NotFound("a:b:c").Error())
}
