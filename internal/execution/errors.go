package execution

import "fmt"

// CodeTranscriptFetchFailed is the error event code emitted when the
// post-query transcript read fails.
const CodeTranscriptFetchFailed = "TRANSCRIPT_FETCH_FAILED"

// RunnerExecutionError reports a runner subprocess that exited non-zero or a
// helper script whose terminal output signalled failure.
type RunnerExecutionError struct {
	Subcommand string
	ExitCode   int
	Message    string
}

func (e *RunnerExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("runner %s failed: %s", e.Subcommand, e.Message)
	}
	return fmt.Sprintf("runner %s exited with code %d", e.Subcommand, e.ExitCode)
}

// TranscriptReadError reports a failed read-session-transcript helper run. It
// never terminates the environment.
type TranscriptReadError struct {
	Err error
}

func (e *TranscriptReadError) Error() string {
	return fmt.Sprintf("failed to read session transcript: %v", e.Err)
}

func (e *TranscriptReadError) Unwrap() error {
	return e.Err
}
