package model

import "testing"

func TestEffectiveInstallCommandPrefersExplicit(t *testing.T) {
	p := Project{Kind: ProjectFrontend, InstallCommand: "pnpm install"}
	if got := p.EffectiveInstallCommand(); got != "pnpm install" {
		t.Fatalf("expected explicit install command to win, got %q", got)
	}
}

func TestEffectiveInstallCommandDefaultsByKind(t *testing.T) {
	cases := []struct {
		kind ProjectKind
		want string
	}{
		{ProjectFrontend, "npm install"},
		{ProjectJava, "mvn dependency:resolve"},
		{ProjectBackend, ""},
	}
	for _, tc := range cases {
		p := Project{Kind: tc.kind}
		if got := p.EffectiveInstallCommand(); got != tc.want {
			t.Fatalf("kind %s: expected %q, got %q", tc.kind, tc.want, got)
		}
	}
}

func TestUploadExtensionByKind(t *testing.T) {
	cases := []struct {
		kind ProjectKind
		want string
	}{
		{ProjectFrontend, ".zip"},
		{ProjectJava, ".jar"},
		{ProjectBackend, ""},
	}
	for _, tc := range cases {
		p := Project{Kind: tc.kind}
		if got := p.UploadExtension(); got != tc.want {
			t.Fatalf("kind %s: expected %q, got %q", tc.kind, tc.want, got)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusQueued, StatusCloning, StatusBuilding, StatusUploading, StatusDeploying, StatusRestarting, StatusHealthChecking}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %s not to be terminal", s)
		}
	}
}

func TestStatusProgressMonotonicThroughHappyPath(t *testing.T) {
	sequence := []Status{StatusPending, StatusCloning, StatusBuilding, StatusUploading, StatusDeploying, StatusRestarting, StatusHealthChecking, StatusSuccess}
	last := -1
	for _, s := range sequence {
		p := s.Progress()
		if p < last {
			t.Fatalf("progress regressed at %s: %d < %d", s, p, last)
		}
		last = p
	}
	if StatusFailed.Progress() != 0 || StatusCancelled.Progress() != 0 || StatusQueued.Progress() != 0 {
		t.Fatalf("expected FAILED/CANCELLED/QUEUED to report 0 progress")
	}
}
