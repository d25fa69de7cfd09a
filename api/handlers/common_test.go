package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrInvalidAction, http.StatusBadRequest},
		{types.ErrInvalidConfig, http.StatusBadRequest},
		{types.ErrUnsupportedEmoji, http.StatusBadRequest},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrBusy, http.StatusTooManyRequests},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForCode(tt.code))
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"not found", types.NewError(types.ErrNotFound, "conversation c1"), http.StatusNotFound, types.ErrNotFound},
		{"invalid action", types.NewError(types.ErrInvalidAction, "unknown action"), http.StatusBadRequest, types.ErrInvalidAction},
		{"wrapped conflict", errors.Join(errors.New("ctx"), types.NewError(types.ErrConflict, "version")), http.StatusConflict, types.ErrConflict},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, types.ErrInternalError},
		{"explicit status", types.NewError(types.ErrUpstreamError, "gw").WithHTTPStatus(http.StatusServiceUnavailable), http.StatusServiceUnavailable, types.ErrUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteError_BusySetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewError(types.ErrBusy, "mailbox full"), nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Error.Retryable)
}

func TestDecodeJSONBody(t *testing.T) {
	type body struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name        string
		body        string
		contentType string
		wantErr     bool
	}{
		{name: "valid", body: `{"name":"test","value":123}`, contentType: "application/json"},
		{name: "valid with charset", body: `{"name":"test"}`, contentType: "application/json; charset=UTF-8"},
		{name: "no content type", body: `{"name":"test"}`},
		{name: "invalid JSON", body: `{"name":"test",}`, contentType: "application/json", wantErr: true},
		{name: "unknown field", body: `{"name":"test","unknown":1}`, contentType: "application/json", wantErr: true},
		{name: "empty body", body: ``, contentType: "application/json", wantErr: true},
		{name: "wrong content type", body: `{"name":"test"}`, contentType: "text/plain", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}

			var dst body
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test", dst.Name)
		})
	}
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, rw.StatusCode)

	rw2 := NewResponseWriter(httptest.NewRecorder())
	_, err := rw2.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw2.StatusCode)
	assert.True(t, rw2.Written)
}
