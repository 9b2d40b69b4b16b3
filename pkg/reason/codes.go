package reason

// Reason codes are stable identifiers published to clients.
// They MUST NOT change between releases; additions append, never renumber.
const (
	// CodeOK is the reason_code carried by every non-terminal intent.
	CodeOK = "ok"

	// --- Client ---
	CodeClientBadRequest = "CLIENT_BAD_REQUEST"
	CodeClientDuplicate  = "CLIENT_DUPLICATE" // idempotent replay
	CodeClientExpired    = "CLIENT_EXPIRED"
	CodeClientNotFound   = "CLIENT_NOT_FOUND"

	// --- Screen ---
	CodeScreenTooLarge   = "SCREEN_TOO_LARGE"
	CodeScreenRateLimit  = "SCREEN_RATE_LIMIT"
	CodeScreenReplaySeen = "SCREEN_REPLAY_SEEN" // seen request hash inside the freshness window

	// --- Validation ---
	CodeValidationSchemaFail    = "VALIDATION_SCHEMA_FAIL"
	CodeValidationChainMismatch = "VALIDATION_CHAIN_MISMATCH"
	CodeValidationSignatureFail = "VALIDATION_SIGNATURE_FAIL"
	CodeValidationGasBounds     = "VALIDATION_GAS_BOUNDS"

	// --- Policy ---
	CodePolicyAccountNotAllowed = "POLICY_ACCOUNT_NOT_ALLOWED"
	CodePolicyFeeTooLow         = "POLICY_FEE_TOO_LOW" // profit gate

	// --- Queue ---
	CodeQueueCapacity = "QUEUE_CAPACITY"

	// --- Submit ---
	CodeSubmitNotAttempted = "SUBMIT_NOT_ATTEMPTED" // public-build guard refused relay handoff

	// --- Internal ---
	CodeInternalError = "INTERNAL_ERROR"
)

// AllCodes returns the full set of published reason codes. CodeOK is not a
// published code; it never appears in an error envelope.
func AllCodes() []string {
	return []string{
		CodeClientBadRequest,
		CodeClientDuplicate,
		CodeClientExpired,
		CodeClientNotFound,
		CodeScreenTooLarge,
		CodeScreenRateLimit,
		CodeScreenReplaySeen,
		CodeValidationSchemaFail,
		CodeValidationChainMismatch,
		CodeValidationSignatureFail,
		CodeValidationGasBounds,
		CodePolicyAccountNotAllowed,
		CodePolicyFeeTooLow,
		CodeQueueCapacity,
		CodeSubmitNotAttempted,
		CodeInternalError,
	}
}
