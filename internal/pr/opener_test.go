package pr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/protoflow/internal/gittest"
)

func TestParseRemoteURL(t *testing.T) {
	tests := []struct {
		raw       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"git@github.com:acme/protos.git", "acme", "protos", false},
		{"git@github.com:acme/protos", "acme", "protos", false},
		{"https://github.com/acme/protos.git", "acme", "protos", false},
		{"https://github.com/acme/protos/", "acme", "protos", false},
		{"ssh://git@github.com/acme/protos.git", "acme", "protos", false},
		{"https://gitlab.com/acme/protos.git", "", "", true},
		{"https://github.com/acme", "", "", true},
		{"/srv/git/protos.git", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			owner, repo, err := ParseRemoteURL(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedRemote)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}

func TestCompareURL(t *testing.T) {
	assert.Equal(t,
		"https://github.com/acme/protos/compare/main...prototype/001-auth-flow?expand=1",
		CompareURL("acme", "protos", "main", "prototype/001-auth-flow"))
}

func newRemoteRepo(t *testing.T) string {
	t.Helper()
	dir := gittest.NewRepo(t)
	gittest.Git(t, dir, "remote", "add", "origin", "git@github.com:acme/protos.git")
	return dir
}

func writeFakeGH(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestOpen_FallsBackToCompareURL(t *testing.T) {
	dir := newRemoteRepo(t)
	o := New(dir, Config{}, nil)

	res, err := o.Open(context.Background(), Request{Branch: "prototype/auth-flow", Base: "main"})
	require.NoError(t, err)
	assert.True(t, res.Stubbed)
	assert.Equal(t, ViaCompare, res.Via)
	assert.Equal(t, "https://github.com/acme/protos/compare/main...prototype/auth-flow?expand=1", res.URL)
}

func TestOpen_UsesCLI(t *testing.T) {
	dir := newRemoteRepo(t)
	gh := writeFakeGH(t, `echo "Creating pull request"
echo "https://github.com/acme/protos/pull/12"
`)
	o := New(dir, Config{GHBinary: gh}, nil)

	res, err := o.Open(context.Background(), Request{Branch: "prototype/auth-flow", Base: "main", Title: "Auth flow"})
	require.NoError(t, err)
	assert.False(t, res.Stubbed)
	assert.Equal(t, ViaCLI, res.Via)
	assert.Equal(t, "https://github.com/acme/protos/pull/12", res.URL)
}

func TestOpen_CLIFailureFallsThrough(t *testing.T) {
	dir := newRemoteRepo(t)
	gh := writeFakeGH(t, `echo "not authenticated" >&2
exit 1
`)
	o := New(dir, Config{GHBinary: gh}, nil)

	res, err := o.Open(context.Background(), Request{Branch: "prototype/auth-flow", Base: "main"})
	require.NoError(t, err)
	assert.True(t, res.Stubbed)
}

func TestOpen_UsesAPI(t *testing.T) {
	dir := newRemoteRepo(t)

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/protos/pulls", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":5,"html_url":"https://github.com/acme/protos/pull/5"}`))
	}))
	defer srv.Close()

	o := New(dir, Config{Token: "secret-token", APIBaseURL: srv.URL}, nil)
	res, err := o.Open(context.Background(), Request{Branch: "prototype/auth-flow", Base: "main", Title: "Auth", Body: "desc"})
	require.NoError(t, err)
	assert.Equal(t, ViaAPI, res.Via)
	assert.Equal(t, 5, res.Number)
	assert.Equal(t, "https://github.com/acme/protos/pull/5", res.URL)
	assert.False(t, res.Stubbed)

	assert.Equal(t, "prototype/auth-flow", body["head"])
	assert.Equal(t, "main", body["base"])
	assert.Equal(t, "Auth", body["title"])
}

func TestOpen_APIFailureFallsBack(t *testing.T) {
	dir := newRemoteRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	o := New(dir, Config{Token: "secret-token", APIBaseURL: srv.URL}, nil)
	res, err := o.Open(context.Background(), Request{Branch: "prototype/auth-flow", Base: "main"})
	require.NoError(t, err)
	assert.True(t, res.Stubbed)
}

func TestOpen_Errors(t *testing.T) {
	o := New(gittest.NewRepo(t), Config{}, nil)

	_, err := o.Open(context.Background(), Request{Branch: "prototype/x"})
	assert.Error(t, err, "base is required")

	_, err = o.Open(context.Background(), Request{Branch: "prototype/x", Base: "main"})
	assert.Error(t, err, "no origin remote")
}
