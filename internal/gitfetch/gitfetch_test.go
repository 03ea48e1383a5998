package gitfetch

import (
	"errors"
	"strings"
	"testing"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/model"
)

func TestIsSSHURL(t *testing.T) {
	cases := map[string]bool{
		"git@github.com:org/repo.git":  true,
		"ssh://git@host/org/repo.git":  true,
		"https://github.com/org/repo":  false,
		"http://example.com/repo.git":  false,
	}
	for url, want := range cases {
		if got := isSSHURL(url); got != want {
			t.Errorf("isSSHURL(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestBuildAuthToken(t *testing.T) {
	auth, cleanup, err := buildAuth("https://github.com/org/repo", Credentials{
		Kind:  model.CredentialToken,
		Token: "abc123",
	})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	defer cleanup()
	if auth == nil {
		t.Fatal("expected non-nil auth for token credentials")
	}
}

func TestBuildAuthUserPass(t *testing.T) {
	auth, cleanup, err := buildAuth("https://example.com/org/repo", Credentials{
		Kind:     model.CredentialUserPass,
		Username: "svc",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	defer cleanup()
	if auth == nil {
		t.Fatal("expected non-nil auth for userpass credentials")
	}
}

func TestBuildAuthNone(t *testing.T) {
	auth, cleanup, err := buildAuth("https://example.com/org/repo", Credentials{Kind: model.CredentialNone})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	defer cleanup()
	if auth != nil {
		t.Fatalf("expected nil auth for no credentials, got %v", auth)
	}
}

func TestBuildAuthSSHRequiresKey(t *testing.T) {
	_, cleanup, err := buildAuth("git@github.com:org/repo.git", Credentials{Kind: model.CredentialSSHKey})
	defer cleanup()
	if err == nil {
		t.Fatal("expected error for missing ssh key material")
	}
}

func TestClassifyGitError(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"authentication required", "auth"},
		{"repository not found", "not_found"},
		{"host key verification failed", "protocol"},
		{"dial tcp: no route to host", "network"},
		{"something unrelated broke", "internal"},
	}
	wantErr := map[string]error{
		"auth":      ctlerr.ErrAuth,
		"not_found": ctlerr.ErrNotFound,
		"protocol":  ctlerr.ErrProtocol,
		"network":   ctlerr.ErrNetwork,
		"internal":  ctlerr.ErrInternal,
	}
	for _, c := range cases {
		err := classifyGitError(errString(c.msg))
		if err == nil {
			t.Fatalf("expected wrapped error for %q", c.msg)
		}
		if !strings.Contains(err.Error(), c.msg) {
			t.Errorf("classifyGitError(%q) lost original message: %v", c.msg, err)
		}
		if !errors.Is(err, wantErr[c.want]) {
			t.Errorf("classifyGitError(%q) = %v, want wrapping %v", c.msg, err, wantErr[c.want])
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
