// Package errs defines the error taxonomy shared across the platform: every
// error that crosses a component boundary carries a Kind, a stable Code and
// a human sentence, so the gateway and CLI can map it to a status without
// string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets.
type Kind string

const (
	KindConfig      Kind = "ConfigError"
	KindTemplate    Kind = "TemplateError"
	KindBackend     Kind = "BackendError"
	KindDeployment  Kind = "DeploymentError"
	KindProtocol    Kind = "ProtocolError"
	KindTool        Kind = "ToolError"
	KindGateway     Kind = "GatewayError"
	KindTransient   Kind = "TransientError"
)

// Error is the platform's structured error type. Code is a short
// machine-readable identifier (e.g. "config_missing_required"); Message is
// one human sentence.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, code, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: wrapped}
}

// ConfigMissingRequired reports a required config key with no default and
// no supplied value.
func ConfigMissingRequired(key string) *Error {
	return new_(KindConfig, "config_missing_required", fmt.Sprintf("missing required configuration key %q", key), nil)
}

// ConfigTypeError reports a coercion failure for key with the expected type.
func ConfigTypeError(key string, value any, expected string) *Error {
	return new_(KindConfig, "config_type_error", fmt.Sprintf("configuration key %q value %v is not a valid %s", key, value, expected), nil)
}

// ConfigSchemaError reports a structural problem with a manifest's schema
// itself (collision, dangling reference), distinct from a value-coercion
// failure.
func ConfigSchemaError(msg string) *Error {
	return new_(KindConfig, "config_schema_error", msg, nil)
}

func TemplateNotFound(id string) *Error {
	return new_(KindTemplate, "template_not_found", fmt.Sprintf("template %q not found", id), nil)
}

func TemplateMalformed(id string, cause error) *Error {
	return new_(KindTemplate, "template_malformed", fmt.Sprintf("template %q manifest is invalid", id), cause)
}

func TemplateIDCollision(id, first, second string) *Error {
	return new_(KindTemplate, "template_id_collision", fmt.Sprintf("template id %q is declared by both %q and %q", id, first, second), nil)
}

func Backend(op string, cause error) *Error {
	return new_(KindBackend, "backend_error", fmt.Sprintf("backend operation %q failed", op), cause)
}

func DeploymentNotFound(id string) *Error {
	return new_(KindDeployment, "deployment_not_found", fmt.Sprintf("deployment %q not found", id), nil)
}

func DeploymentStopTimeout(id string) *Error {
	return new_(KindDeployment, "deployment_stop_timeout", fmt.Sprintf("deployment %q did not stop before the timeout", id), nil)
}

func ProtocolIncompatible(got, want string) *Error {
	return new_(KindProtocol, "protocol_incompatible", fmt.Sprintf("server protocol version %q is incompatible with %q", got, want), nil)
}

func ProtocolErrorf(cause error, format string, args ...any) *Error {
	return new_(KindProtocol, "protocol_error", fmt.Sprintf(format, args...), cause)
}

func ToolUnknown(name string) *Error {
	return new_(KindTool, "tool_unknown", fmt.Sprintf("tool %q is not known to this server", name), nil)
}

func ToolArgumentInvalid(tool, details string) *Error {
	return new_(KindTool, "tool_argument_invalid", fmt.Sprintf("invalid arguments for tool %q: %s", tool, details), nil)
}

func ToolRemoteError(tool string, cause error) *Error {
	return new_(KindTool, "tool_remote_error", fmt.Sprintf("tool %q returned an error", tool), cause)
}

func GatewayNoHealthyInstance(serverID string) *Error {
	return new_(KindGateway, "gateway_no_healthy_instance", fmt.Sprintf("no healthy instance for %q", serverID), nil)
}

func GatewayUnknownServer(serverID string) *Error {
	return new_(KindGateway, "gateway_unknown_server", fmt.Sprintf("no server registered as %q", serverID), nil)
}

func GatewayQueueOverflow(serverID string) *Error {
	return new_(KindGateway, "gateway_queue_overflow", fmt.Sprintf("request queue for %q is full", serverID), nil)
}

func RequestTimeout() *Error {
	return new_(KindTransient, "request_timeout", "request timed out waiting for a response", nil)
}

func Canceled() *Error {
	return new_(KindTransient, "canceled", "operation canceled", nil)
}

// As is a thin convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind (and, for Tool/Template, a finer code) to the HTTP
// status the gateway should return, per the table in the error-handling
// design.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return 500
	}
	switch e.Kind {
	case KindConfig:
		return 400
	case KindTool:
		if e.Code == "tool_argument_invalid" {
			return 400
		}
		return 404
	case KindTemplate:
		return 404
	case KindBackend, KindProtocol:
		return 502
	case KindGateway:
		switch e.Code {
		case "gateway_queue_overflow":
			return 503
		case "gateway_unknown_server":
			return 404
		}
		return 502
	case KindTransient:
		return 504
	case KindDeployment:
		return 500
	default:
		return 500
	}
}
