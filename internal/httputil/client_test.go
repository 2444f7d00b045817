package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewStandardClient_Timeout(t *testing.T) {
	client := NewStandardClient(3 * time.Second)
	if client.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", client.Timeout)
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "created", status: http.StatusCreated},
		{name: "no content", status: http.StatusNoContent},
		{name: "bad request", status: http.StatusBadRequest, body: " missing nodeId \n", wantErr: "unexpected status 400: missing nodeId"},
		{name: "server error", status: http.StatusBadGateway, wantErr: "unexpected status 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			err := CheckStatus(resp)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("got %v, want *StatusError", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.status)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "hello").AddErrorResponse(errors.New("connection refused"))

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/api", strings.NewReader("payload"))
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://example.com/api", nil)
	if _, err := mock.Do(req2); err == nil || err.Error() != "connection refused" {
		t.Errorf("err = %v, want connection refused", err)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://example.com/api", nil)
	resp, err = mock.Do(req3)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("default response = %v, %v; want 200", resp, err)
	}

	if mock.RequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3", mock.RequestCount())
	}
	got, sent := mock.Request(0)
	if got.Method != http.MethodPost || string(sent) != "payload" {
		t.Errorf("request 0 = %s %q", got.Method, sent)
	}
	if r, b := mock.Request(9); r != nil || b != nil {
		t.Error("out-of-range Request should return nil")
	}
}

func TestMockHTTPClient_DoFuncAndDefaultError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DefaultError = errors.New("offline")
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); err == nil {
		t.Error("expected default error")
	}

	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	resp, err := mock.Do(req)
	if err != nil || resp.StatusCode != http.StatusTeapot {
		t.Errorf("DoFunc not used: %v %v", resp, err)
	}
}

func TestDrainAndClose_Nil(t *testing.T) {
	DrainAndClose(nil)
	DrainAndClose(&http.Response{})
}
