package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTurnOrder   ReasonCode = "conversation_turn_order"
	ReasonSessionBusy ReasonCode = "conversation_session_busy"

	ReasonToolUnknown   ReasonCode = "tool_unknown"
	ReasonToolArguments ReasonCode = "tool_argument_mismatch"
	ReasonToolSchema    ReasonCode = "tool_schema_invalid"
	ReasonToolTimeout   ReasonCode = "tool_timeout"
	ReasonToolExec      ReasonCode = "tool_exec"

	ReasonBackendGenerate  ReasonCode = "backend_generate"
	ReasonBackendStream    ReasonCode = "backend_stream"
	ReasonBackendRateLimit ReasonCode = "backend_rate_limit"
	ReasonBackendMalformed ReasonCode = "backend_malformed_response"

	ReasonRemoteConnect ReasonCode = "remote_connect"
	ReasonRemoteInvoke  ReasonCode = "remote_invoke"
	ReasonRemoteClosed  ReasonCode = "remote_closed"

	ReasonStepLimit ReasonCode = "dispatch_step_limit"
	ReasonCancelled ReasonCode = "dispatch_cancelled"
)
