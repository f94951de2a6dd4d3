// Package process wraps an OS process as a first-class task: spawn, streamed
// stdout/stderr through an output processor, a writable stdin, exit-code
// success, cooperative stop, and detach semantics.
package process

import (
	"os"
	"runtime"
)

// Environment is the host-supplied execution context for child processes.
// The kernel treats all values as opaque strings.
type Environment interface {
	// WorkingDirectory is the default cwd for spawned processes.
	WorkingDirectory() string

	// IsWindows reports whether the host is a Windows editor install.
	IsWindows() bool

	// ExecutableExtension is appended to extension-less program names on
	// Windows hosts (".exe").
	ExecutableExtension() string

	// ApplicationContents locates the host application bundle, used by
	// callers to resolve bundled interpreters.
	ApplicationContents() string

	// Environment is the env-var overlay applied on top of the parent
	// process environment.
	Environment() map[string]string
}

type defaultEnvironment struct {
	wd string
}

// DefaultEnvironment probes the current process for a usable Environment:
// the current working directory, GOOS-based platform answers, and no overlay.
func DefaultEnvironment() Environment {
	wd, _ := os.Getwd()
	return &defaultEnvironment{wd: wd}
}

func (e *defaultEnvironment) WorkingDirectory() string { return e.wd }

func (e *defaultEnvironment) IsWindows() bool { return runtime.GOOS == "windows" }

func (e *defaultEnvironment) ExecutableExtension() string {
	if e.IsWindows() {
		return ".exe"
	}
	return ""
}

func (e *defaultEnvironment) ApplicationContents() string { return "" }

func (e *defaultEnvironment) Environment() map[string]string { return nil }
