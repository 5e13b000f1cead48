package clarity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a failure by the layer that raised it.
type ErrorClass string

const (
	// ErrorClassLookup covers name and cardinality lookups that found zero or
	// several matches.
	ErrorClassLookup ErrorClass = "lookup"

	// ErrorClassCapability marks an operation the resource type does not support.
	ErrorClassCapability ErrorClass = "capability"

	// ErrorClassRemote wraps an exception document returned by the server.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassTransport covers HTTP status failures, I/O errors and an open
	// circuit breaker.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassAuth is a rejected username or password.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassConfig covers a misconfigured session, such as a redirect from
	// an http root URI, or a request refused by policy.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassWorkflow is raised by step transitions and automation polling.
	ErrorClassWorkflow ErrorClass = "workflow"

	// ErrorClassUsage is a programming error: a read-only property write, a
	// missing URI, an invalid argument.
	ErrorClassUsage ErrorClass = "usage"
)

// Error is a classified error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the URI or name of the resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	} else if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

// NewLookupError creates a lookup error.
func NewLookupError(code, message string) *Error {
	return newError(ErrorClassLookup, code, message, nil)
}

// NewUnsupportedError reports an operation the resource type does not declare.
func NewUnsupportedError(kind, operation string) *Error {
	return newError(ErrorClassCapability, ErrCodeUnsupported,
		fmt.Sprintf("%s is not supported for %s", operation, kind), nil).WithOperation(operation)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, err error) *Error {
	return newError(ErrorClassTransport, "", message, err)
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *Error {
	return newError(ErrorClassConfig, code, message, nil)
}

// NewWorkflowError creates a workflow error.
func NewWorkflowError(code, message string) *Error {
	return newError(ErrorClassWorkflow, code, message, nil)
}

// NewUsageError creates a usage error.
func NewUsageError(message string) *Error {
	return newError(ErrorClassUsage, ErrCodeInvalidArgument, message, nil)
}

// Error codes.
const (
	ErrCodeNoMatchingElement        = "NO_MATCHING_ELEMENT"
	ErrCodeMultipleMatchingElements = "MULTIPLE_MATCHING_ELEMENTS"
	ErrCodeMissingField             = "MISSING_FIELD"
	ErrCodeUnsupported              = "UNSUPPORTED_OPERATION"
	ErrCodeRedirect                 = "REDIRECT_DISABLED"
	ErrCodeAuthentication           = "AUTHENTICATION_FAILED"
	ErrCodeHTTPStatus               = "HTTP_STATUS"
	ErrCodeCircuitOpen              = "CIRCUIT_OPEN"
	ErrCodePolicyDenied             = "POLICY_DENIED"
	ErrCodeRemoteException          = "REMOTE_EXCEPTION"
	ErrCodeFileNotFound             = "FILE_NOT_FOUND"
	ErrCodeReadOnly                 = "READ_ONLY"
	ErrCodeNoURI                    = "NO_URI"
	ErrCodeEmptyDocument            = "EMPTY_DOCUMENT"
	ErrCodeInvalidArgument          = "INVALID_ARGUMENT"
	ErrCodeUnknownState             = "UNKNOWN_STATE"
	ErrCodeStalled                  = "STALLED"
	ErrCodePrematureCompletion      = "PREMATURE_COMPLETION"
	ErrCodeEppFailure               = "EPP_FAILURE"
	ErrCodeEppTimeout               = "EPP_TIMEOUT"
	ErrCodeStartTimeout             = "START_TIMEOUT"
	ErrCodeUserAction               = "USER_ACTION"
)

// Exception is an exception document returned by the server.
type Exception struct {
	Message          string
	SuggestedActions string
	Category         string
	Code             string
	Status           int
	RequestBody      string
}

// Error formats the exception the way the server's own clients print it.
func (x *Exception) Error() string {
	var b strings.Builder
	b.WriteString(x.Message)
	if x.SuggestedActions != "" {
		b.WriteString("\nSuggested actions: ")
		b.WriteString(x.SuggestedActions)
	}
	if x.Category != "" {
		b.WriteString("\nException category: ")
		b.WriteString(x.Category)
	}
	if x.Code != "" {
		b.WriteString("\nException code: ")
		b.WriteString(x.Code)
	}
	return b.String()
}

func newRemoteError(x *Exception, uri string) *Error {
	code := ErrCodeRemoteException
	if strings.Contains(x.Message, "File does not exist") {
		code = ErrCodeFileNotFound
	}
	return newError(ErrorClassRemote, code, "LIMS returned an exception", x).
		WithResource(uri).
		WithDetail("status", x.Status)
}

// AsException extracts the remote exception from err, if any.
func AsException(err error) (*Exception, bool) {
	var x *Exception
	if errors.As(err, &x) {
		return x, true
	}
	return nil, false
}

func hasClassCode(err error, class ErrorClass, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class && (code == "" || e.Code == code)
	}
	return false
}

// IsNoMatchingElement reports a lookup that found nothing.
func IsNoMatchingElement(err error) bool {
	return hasClassCode(err, ErrorClassLookup, ErrCodeNoMatchingElement)
}

// IsMultipleMatchingElements reports a lookup that found more than one match.
func IsMultipleMatchingElements(err error) bool {
	return hasClassCode(err, ErrorClassLookup, ErrCodeMultipleMatchingElements)
}

// IsUnsupported reports an operation the resource type does not support.
func IsUnsupported(err error) bool {
	return hasClassCode(err, ErrorClassCapability, "")
}

// IsAuthentication reports rejected credentials.
func IsAuthentication(err error) bool {
	return hasClassCode(err, ErrorClassAuth, "")
}

// IsRemote reports an exception document returned by the server.
func IsRemote(err error) bool {
	return hasClassCode(err, ErrorClassRemote, "")
}

// IsFileNotFound reports a remote exception about missing file content.
func IsFileNotFound(err error) bool {
	return hasClassCode(err, ErrorClassRemote, ErrCodeFileNotFound)
}

// IsWorkflow reports an error raised while driving a step.
func IsWorkflow(err error) bool {
	return hasClassCode(err, ErrorClassWorkflow, "")
}

// IsEppFailure reports an automation that finished in the ERROR state.
func IsEppFailure(err error) bool {
	return hasClassCode(err, ErrorClassWorkflow, ErrCodeEppFailure)
}

// IsTimeout reports a polling wait that exceeded its configured timeout.
func IsTimeout(err error) bool {
	return hasClassCode(err, ErrorClassWorkflow, ErrCodeEppTimeout) ||
		hasClassCode(err, ErrorClassWorkflow, ErrCodeStartTimeout)
}

// IsPolicyDenied reports a request refused by the request guard.
func IsPolicyDenied(err error) bool {
	return hasClassCode(err, ErrorClassConfig, ErrCodePolicyDenied)
}
