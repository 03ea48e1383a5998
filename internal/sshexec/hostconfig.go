package sshexec

import (
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// ResolveHost applies ~/.ssh/config (and /etc/ssh/ssh_config) Hostname,
// Port, and User overrides for alias, per spec.md §4.4's allowance for
// per-host SSH overrides. A Server's stored host/port/username remain the
// defaults; an ssh_config entry for the same alias takes precedence field
// by field, so a config block that only sets Port doesn't also clobber a
// stored username.
func ResolveHost(alias string, port int, username string) (string, int, string) {
	host := alias
	if h := ssh_config.Get(alias, "HostName"); h != "" {
		host = h
	}
	if p := ssh_config.Get(alias, "Port"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	if u := ssh_config.Get(alias, "User"); u != "" {
		username = u
	}
	return host, port, username
}
