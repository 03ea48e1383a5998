package sshexec

import (
	"errors"
	"testing"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
)

func TestClassifySSHError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"ssh: handshake failed: unable to authenticate", ctlerr.ErrAuth},
		{"dial tcp 10.0.0.1:22: connect: connection refused", ctlerr.ErrNetwork},
		{"dial tcp 10.0.0.1:22: i/o timeout", ctlerr.ErrNetwork},
		{"ssh: some other protocol negotiation error", ctlerr.ErrProtocol},
	}
	for _, c := range cases {
		got := classifySSHError(errors.New(c.msg))
		if !errors.Is(got, c.want) {
			t.Errorf("classifySSHError(%q) = %v, want wrapping %v", c.msg, got, c.want)
		}
	}
}
