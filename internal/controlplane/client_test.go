package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientReportResult(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok", "s3cret", 0)
	err := c.ReportResult(context.Background(), Report{
		AssignmentID: "asg-1",
		JobID:        "job-1",
		Status:       StatusSucceeded,
		Output:       json.RawMessage(`{"result_location":"file:///x/model_run"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "/assignments/asg-1/result", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.NoError(t, Verify(gotBody, gotSig, "s3cret"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "succeeded", decoded["status"])
	assert.NotContains(t, decoded, "failed_stage")
}

func TestHTTPClientUnsignedWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", 0)
	require.NoError(t, c.ReportResult(context.Background(), Report{AssignmentID: "a", Status: StatusFailed}))
	assert.Empty(t, sig)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown assignment", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "", 0)
	err := c.ReportResult(context.Background(), Report{AssignmentID: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "unknown assignment")
}

func TestHTTPClientRequiresAssignmentID(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "", "", 0)
	assert.Error(t, c.ReportResult(context.Background(), Report{}))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"status":"failed"}`)
	sig := Sign(body, "k")

	tests := []struct {
		name    string
		body    []byte
		sig     string
		secret  string
		wantErr bool
	}{
		{name: "valid", body: body, sig: sig, secret: "k"},
		{name: "plain hex", body: body, sig: sig[len("sha256="):], secret: "k"},
		{name: "wrong secret", body: body, sig: sig, secret: "other", wantErr: true},
		{name: "tampered body", body: []byte(`{"status":"succeeded"}`), sig: sig, secret: "k", wantErr: true},
		{name: "not hex", body: body, sig: "sha256=zz", secret: "k", wantErr: true},
		{name: "empty signature", body: body, sig: "", secret: "k", wantErr: true},
		{name: "empty secret", body: body, sig: sig, secret: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.body, tt.sig, tt.secret)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var c Client = Nop{}
	assert.NoError(t, c.ReportResult(context.Background(), Report{}))
}
