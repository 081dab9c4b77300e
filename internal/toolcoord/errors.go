package toolcoord

// ToolErrorKind classifies why a tool call failed, per SPEC_FULL.md
// §4.6/§7: only ExecutionFailed and Timeout are transient enough to be
// worth spending another attempt on.
type ToolErrorKind string

const (
	ErrInvalidArguments ToolErrorKind = "invalid_arguments"
	ErrPermission       ToolErrorKind = "permission"
	ErrExecutionFailed  ToolErrorKind = "execution_failed"
	ErrTimeout          ToolErrorKind = "timeout"
)

// ToolError is the typed error a Tool.Execute implementation may return
// so the executor can classify the failure instead of treating every
// error alike. A plain, unwrapped error is classified ExecutionFailed,
// the executor's default for tools that predate this taxonomy.
type ToolError struct {
	Kind  ToolErrorKind
	Cause error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Retryable reports whether executeWithRetry may spend another attempt
// on this error kind. InvalidArguments and Permission are caller
// mistakes the same call will reproduce on every attempt; only a
// transient ExecutionFailed or Timeout is worth retrying.
func (e *ToolError) Retryable() bool {
	return e.Kind == ErrExecutionFailed || e.Kind == ErrTimeout
}
