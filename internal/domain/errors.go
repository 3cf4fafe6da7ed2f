package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors built with
// extra detail still satisfy errors.Is against the sentinel. A code listed in
// refines also matches the broader code it narrows.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	broader, ok := refines[e.Code]
	return ok && broader == t.Code
}

// refines maps a code to the broader code it is a special case of.
var refines = map[int]int{
	ErrStageAdvanced.Code: ErrUnauthorizedApprover.Code,
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Detail returns a copy of the sentinel with detail appended to its message.
func (e *EngineError) Detail(format string, args ...any) *EngineError {
	return &EngineError{Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

// ---- Selection / definition errors (-32010 to -32029) ----

var (
	ErrWorkflowNotFound    = &EngineError{Code: -32010, Message: "no active workflow matches the request"}
	ErrAmbiguousMatch      = &EngineError{Code: -32011, Message: "more than one active workflow matches the request"}
	ErrInvalidDefinition   = &EngineError{Code: -32016, Message: "invalid workflow definition"}
	ErrDefinitionNotFound  = &EngineError{Code: -32017, Message: "workflow definition not found"}
	ErrDuplicateDefinition = &EngineError{Code: -32018, Message: "workflow definition id already published with different content"}
	ErrInvalidWorkflowType = &EngineError{Code: -32021, Message: "unknown workflow type"}
)

// ---- Instance / transition errors (-32012 to -32039) ----

var (
	ErrTerminalInstance     = &EngineError{Code: -32012, Message: "request instance is already terminal"}
	ErrUnauthorizedApprover = &EngineError{Code: -32013, Message: "approver is not authorized for the current stage"}
	ErrInstanceNotFound     = &EngineError{Code: -32014, Message: "request instance not found"}
	ErrStageAdvanced        = &EngineError{Code: -32015, Message: "request instance already advanced past the approver's stage"}
	ErrDuplicateRequest     = &EngineError{Code: -32019, Message: "request already has an open instance"}
	ErrInvalidDecision      = &EngineError{Code: -32020, Message: "invalid decision outcome"}
	ErrInvalidRequest       = &EngineError{Code: -32022, Message: "invalid request"}
	ErrOptimisticLock       = &EngineError{Code: -32030, Message: "optimistic lock conflict: state was modified concurrently"}
)

// ---- Store / Recovery / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrRecoveryFailed  = &EngineError{Code: -32135, Message: "recovery of escalation timers failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateEvent  = &EngineError{Code: -32137, Message: "duplicate decision log sequence number"}
)
