// Package health is the Health Prober (spec.md §4.5): runs one of three
// probe kinds against a deployed server with a bounded retry loop.
// Grounded on original_source's health_check_service.py, translated into
// the teacher's net/http-client-with-timeout and exec-over-ssh idiom.
package health

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/model"
)

// CommandRunner executes a command on the target server. sshexec.Executor
// satisfies this; Check uses only the exit code and the error.
type CommandRunner interface {
	Exec(command string) (exitCode int, stdout string, stderr string, err error)
}

// Logf receives a probe-attempt log line; callers pass a closure bound to
// the deployment's logger. Only invoked for warnings in detailed
// verbosity, per spec.md §4.5.
type Logf func(format string, args ...interface{})

// Check runs the probe configured on cfg against server, retrying up to
// cfg.Retries times with cfg.Interval between attempts. The first success
// short-circuits; the final boolean outcome is returned. A configuration
// error (missing url, port, command, runner or upload path) is returned as
// an error rather than retried. runner is only consulted for command
// probes and may be nil otherwise.
func Check(cfg model.HealthCheckConfig, server model.Server, uploadPath string, runner CommandRunner, detailed bool, log Logf) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		var ok bool
		var attemptErr error

		switch cfg.Kind {
		case model.HealthHTTP:
			ok, attemptErr = checkHTTP(cfg, server)
		case model.HealthTCP:
			ok, attemptErr = checkTCP(cfg, server)
		case model.HealthCommand:
			ok, attemptErr = checkCommand(cfg, uploadPath, runner)
		default:
			return false, fmt.Errorf("%w: unsupported health check kind %q", ctlerr.ErrValidation, cfg.Kind)
		}

		if errors.Is(attemptErr, ctlerr.ErrValidation) {
			return false, attemptErr
		}
		if attemptErr != nil && detailed && log != nil {
			log("health check attempt %d/%d errored: %v", attempt, retries, attemptErr)
		}
		if ok {
			return true, nil
		}
		if attempt < retries {
			time.Sleep(cfg.Interval)
		}
	}
	return false, nil
}

func checkHTTP(cfg model.HealthCheckConfig, server model.Server) (bool, error) {
	if cfg.URL == "" {
		return false, fmt.Errorf("%w: http health check requires a url", ctlerr.ErrValidation)
	}
	url := strings.ReplaceAll(cfg.URL, "localhost", server.Host)
	url = strings.ReplaceAll(url, "127.0.0.1", server.Host)

	client := &http.Client{Timeout: cfg.Timeout}
	resp, err := client.Get(url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400, nil
}

func checkTCP(cfg model.HealthCheckConfig, server model.Server) (bool, error) {
	if cfg.Port == 0 {
		return false, fmt.Errorf("%w: tcp health check requires a port", ctlerr.ErrValidation)
	}
	addr := fmt.Sprintf("%s:%d", server.Host, cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}

func checkCommand(cfg model.HealthCheckConfig, uploadPath string, runner CommandRunner) (bool, error) {
	if cfg.Command == "" {
		return false, fmt.Errorf("%w: command health check requires a command", ctlerr.ErrValidation)
	}
	if runner == nil {
		return false, fmt.Errorf("%w: command health check requires an ssh connection", ctlerr.ErrValidation)
	}
	if uploadPath == "" {
		return false, fmt.Errorf("%w: command health check requires upload_path", ctlerr.ErrValidation)
	}
	fullCommand := fmt.Sprintf("cd %s && %s", uploadPath, cfg.Command)
	exitCode, _, _, err := runner.Exec(fullCommand)
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}
