// Package scriptutil derives the working directory and shell invocation
// for a restart/maintenance script path (spec.md §4.8), grounded on
// original_source's app/utils/script_utils.get_script_execution_info.
package scriptutil

import (
	"fmt"
	"path"
	"strings"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
)

// dangerousChars blocks shell metacharacters that would let a script path
// escape the quoted "cd ... && bash ..." invocation Resolve builds.
var dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "\n", "\r", "\t"}

// Info is the resolved working directory, script basename, and shell
// command for a restart/maintenance script.
type Info struct {
	WorkDir    string
	ScriptName string
	Command    string
}

// Resolve parses scriptPath into its execution info: an absolute path's
// working directory is its parent; a relative path's is its parent (or
// "." if it has none). Command is always "cd "<workdir>" && bash
// "./<name>"", matching original_source exactly.
func Resolve(scriptPath string) (Info, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return Info{}, fmt.Errorf("%w: script_path cannot be empty", ctlerr.ErrValidation)
	}
	for _, c := range dangerousChars {
		if strings.Contains(scriptPath, c) {
			return Info{}, fmt.Errorf("%w: script_path contains potentially dangerous characters", ctlerr.ErrValidation)
		}
	}

	scriptName := path.Base(scriptPath)
	workDir := path.Dir(scriptPath)

	return Info{
		WorkDir:    workDir,
		ScriptName: scriptName,
		Command:    fmt.Sprintf(`cd "%s" && bash "./%s"`, workDir, scriptName),
	}, nil
}
