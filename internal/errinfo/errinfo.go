// Package errinfo defines the structured error payloads surfaced to the
// client UI. Conversational errors (patch mismatches) never appear here;
// those go back into the model's context instead.
package errinfo

// ErrorInfo is the structured error data attached to failed operations.
type ErrorInfo struct {
	ErrorCode string   `json:"error_code"`
	Phase     string   `json:"phase,omitempty"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
	ModelID   string   `json:"model_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

const (
	CodeEndpointNotConfigured = "ENDPOINT_NOT_CONFIGURED"
	CodeEndpointAuthFailed    = "ENDPOINT_AUTH_FAILED"
	CodeEndpointUnavailable   = "ENDPOINT_UNAVAILABLE"
	CodeEndpointRateLimited   = "ENDPOINT_RATE_LIMITED"
	CodeEgressBlocked         = "EGRESS_BLOCKED_BY_POLICY"
	CodeNetworkUnavailable    = "NETWORK_UNAVAILABLE"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeRenderFailed          = "RENDER_FAILED"
	CodeTurnInFlight          = "TURN_IN_FLIGHT"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeUserCanceled          = "USER_CANCELED"
)

const (
	ActionRetry        = "retry"
	ActionOpenSettings = "open_settings"
)

const (
	PhaseChat    = "chat"
	PhaseApply   = "apply"
	PhaseRender  = "render"
	PhaseSession = "session"
)

func EndpointNotConfigured(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEndpointNotConfigured,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
	}
}

func EndpointAuthFailed(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEndpointAuthFailed,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
	}
}

func EndpointUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEndpointUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func EndpointRateLimited(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEndpointRateLimited,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func EgressBlocked(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func NetworkUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNetworkUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func RenderFailed(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeRenderFailed,
		Phase:     PhaseRender,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func TurnInFlight(sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTurnInFlight,
		Phase:     PhaseChat,
		Retryable: true,
		SessionID: sessionID,
	}
}

func SessionNotFound(sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionNotFound,
		Phase:     PhaseSession,
		Retryable: false,
		SessionID: sessionID,
	}
}

func UserCanceled(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUserCanceled,
		Phase:     phase,
		Retryable: false,
	}
}
