package model

import "io"

// ExecOpts contains options for executing a command in a sandbox.
type ExecOpts struct {
	// WorkingDir is the directory to run the command in (optional).
	WorkingDir string
	// Env contains additional environment variables for this exec.
	Env map[string]string
	// User to run the command as (optional).
	User string
	// Stdin is the input stream for the command (optional).
	Stdin io.Reader
}

// ExecResult contains the result of a buffered exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// StreamKind identifies the origin of an exec chunk.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	// StreamExit is the last chunk of a stream, it carries the exit code.
	StreamExit StreamKind = "exit"
)

// ExecChunk is a piece of streamed exec output.
type ExecChunk struct {
	Stream   StreamKind
	Data     []byte
	ExitCode int
}

// EnvUpdateMode selects how environment updates are applied.
type EnvUpdateMode string

const (
	// EnvUpdateMerge overlays the new values, an empty value removes the key.
	EnvUpdateMerge EnvUpdateMode = "merge"
	// EnvUpdateReplace substitutes the whole environment.
	EnvUpdateReplace EnvUpdateMode = "replace"
)

// ExportScope selects what an export reads from.
type ExportScope string

const (
	// ExportScopeVolumes reads mounted volume data from the host.
	ExportScopeVolumes ExportScope = "volumes"
	// ExportScopeContainer reads the container filesystem view, writable layer included.
	ExportScopeContainer ExportScope = "container"
)
