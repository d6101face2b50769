// Package cacheerr defines the error types shared by the cache client, its
// backends, the archive codecs and the staging area.
package cacheerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutsideRoot is returned when a path resolves outside the root it must
	// stay within (the workspace on save, the manifest root on pack).
	ErrOutsideRoot = errors.New("path outside root")

	// ErrNoPaths is returned when none of the requested paths can be cached.
	ErrNoPaths = errors.New("no cacheable paths")

	// ErrEmptyKey is returned when a cache key is empty.
	ErrEmptyKey = errors.New("empty cache key")
)

// ConfigurationError reports a configuration problem that prevents the client
// from working at all, such as a missing credential.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// TransferError is a non-success response (or transport failure) from the
// remote store.
type TransferError struct {
	Op         string
	Key        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransferError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Op, e.Key)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransferError) Unwrap() error { return e.Err }

// ToolError is a failed invocation of an external archiving tool.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ToolError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s timed out", e.Tool)
	case e.ExitCode != 0:
		msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
		if s := strings.TrimSpace(e.Stderr); s != "" {
			msg += ": " + s
		}
		return msg
	default:
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
}

func (e *ToolError) Unwrap() error { return e.Err }

// CorruptArchiveError is returned when an archive cannot be read or contains
// entries that would land outside the extraction target.
type CorruptArchiveError struct {
	Entry string
	Err   error
}

func (e *CorruptArchiveError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("corrupt archive: entry %q: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("corrupt archive: %v", e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// FilesystemError is a local filesystem failure while staging.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
