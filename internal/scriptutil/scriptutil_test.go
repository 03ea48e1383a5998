package scriptutil

import "testing"

func TestResolveAbsolutePath(t *testing.T) {
	info, err := Resolve("/opt/app/restart.sh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.WorkDir != "/opt/app" || info.ScriptName != "restart.sh" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Command != `cd "/opt/app" && bash "./restart.sh"` {
		t.Fatalf("unexpected command: %q", info.Command)
	}
}

func TestResolveRelativePathWithDir(t *testing.T) {
	info, err := Resolve("scripts/restart.sh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.WorkDir != "scripts" || info.ScriptName != "restart.sh" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestResolveBareFilenameDefaultsWorkDirToDot(t *testing.T) {
	info, err := Resolve("restart.sh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.WorkDir != "." {
		t.Fatalf("expected working directory '.', got %q", info.WorkDir)
	}
	if info.Command != `cd "." && bash "./restart.sh"` {
		t.Fatalf("unexpected command: %q", info.Command)
	}
}

func TestResolveRejectsEmptyPath(t *testing.T) {
	if _, err := Resolve("   "); err == nil {
		t.Fatal("expected error for blank script_path")
	}
}

func TestResolveRejectsDangerousCharacters(t *testing.T) {
	cases := []string{
		"restart.sh; rm -rf /",
		"restart.sh && whoami",
		"restart.sh | cat",
		"$(whoami).sh",
		"`whoami`.sh",
		"restart.sh\n",
	}
	for _, c := range cases {
		if _, err := Resolve(c); err == nil {
			t.Fatalf("expected dangerous-character rejection for %q", c)
		}
	}
}
