package upstream

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Platform and package-runner heuristics for spawning stdio upstreams. They
// are kept together here so they can be revised without touching the
// factory.

// WorkDirEnv carries a stdio upstream's working directory.
const WorkDirEnv = "MCP_WORKING_DIR"

var (
	posixInheritedEnv   = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "NODE_PATH", "NVM_DIR"}
	windowsInheritedEnv = []string{"PATH", "SystemRoot", "ComSpec", "PATHEXT", "APPDATA", "LOCALAPPDATA", "USERPROFILE", "TEMP", "TMP"}
)

// commandLine is a resolved executable plus its argument vector.
type commandLine struct {
	Path string
	Args []string
}

// resolveCommand applies the shell wrapper and package-runner rewrites for
// goos.
func resolveCommand(goos, command string, args []string) commandLine {
	args = injectQuietFlag(command, append([]string(nil), args...))
	if goos == "windows" {
		return commandLine{Path: "cmd.exe", Args: append([]string{"/c", command}, args...)}
	}
	return commandLine{Path: command, Args: args}
}

// injectQuietFlag prepends --quiet to npx invocations that do not already
// carry a quiet flag, so installer chatter stays off the protocol stream.
func injectQuietFlag(command string, args []string) []string {
	if !isPackageRunner(command) {
		return args
	}
	for _, arg := range args {
		if arg == "--quiet" || arg == "-q" {
			return args
		}
	}
	return append([]string{"--quiet"}, args...)
}

func isPackageRunner(command string) bool {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(command, `\`, "/")))
	switch base {
	case "npx", "npx.cmd", "npx.exe":
		return true
	}
	return false
}

// buildEnv returns the child environment: a minimal set inherited from the
// host, overlaid with caller variables, plus the working directory.
func buildEnv(goos string, lookup func(string) (string, bool), extra map[string]string, workDir string) []string {
	keys := posixInheritedEnv
	if goos == "windows" {
		keys = windowsInheritedEnv
	}
	merged := make(map[string]string, len(keys)+len(extra)+1)
	for _, key := range keys {
		if v, ok := lookup(key); ok {
			merged[key] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	merged[WorkDirEnv] = workDir

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]string, 0, len(names))
	for _, k := range names {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func resolveWorkDir(dir string) string {
	if dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func hostGOOS() string { return runtime.GOOS }
