// Package reason holds the published reason registry: every code a client
// can observe, its category, its HTTP mapping, and the rejection error type
// stages use to fail an intent with a registered reason.
package reason

import "fmt"

// Category partitions reason codes by the subsystem that produced them.
type Category string

const (
	CategoryClient     Category = "CLIENT"
	CategoryScreen     Category = "SCREEN"
	CategoryValidation Category = "VALIDATION"
	CategoryPolicy     Category = "POLICY"
	CategoryQueue      Category = "QUEUE"
	CategorySubmit     Category = "SUBMIT"
	CategoryNetwork    Category = "NETWORK"
	CategoryInternal   Category = "INTERNAL"
)

// Detail is the resolved form of a reason code as it appears in envelopes
// and audit records.
type Detail struct {
	Code       string         `json:"code"`
	Category   Category       `json:"category"`
	HTTPStatus int            `json:"http_status"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
}

var registry = map[string]Detail{
	CodeClientBadRequest:        {Code: CodeClientBadRequest, Category: CategoryClient, HTTPStatus: 400, Message: "missing or malformed request fields"},
	CodeClientDuplicate:         {Code: CodeClientDuplicate, Category: CategoryClient, HTTPStatus: 200, Message: "idempotent replay of a previously accepted request"},
	CodeClientExpired:           {Code: CodeClientExpired, Category: CategoryClient, HTTPStatus: 400, Message: "request deadline has passed"},
	CodeClientNotFound:          {Code: CodeClientNotFound, Category: CategoryClient, HTTPStatus: 404, Message: "unknown intent_id"},
	CodeScreenTooLarge:          {Code: CodeScreenTooLarge, Category: CategoryScreen, HTTPStatus: 413, Message: "payload exceeds the configured size limit"},
	CodeScreenRateLimit:         {Code: CodeScreenRateLimit, Category: CategoryScreen, HTTPStatus: 429, Message: "client is being throttled"},
	CodeScreenReplaySeen:        {Code: CodeScreenReplaySeen, Category: CategoryScreen, HTTPStatus: 200, Message: "request hash already seen"},
	CodeValidationSchemaFail:    {Code: CodeValidationSchemaFail, Category: CategoryValidation, HTTPStatus: 400, Message: "payload does not satisfy the intent schema"},
	CodeValidationChainMismatch: {Code: CodeValidationChainMismatch, Category: CategoryValidation, HTTPStatus: 400, Message: "intent targets a different chain than this pipeline serves"},
	CodeValidationSignatureFail: {Code: CodeValidationSignatureFail, Category: CategoryValidation, HTTPStatus: 401, Message: "signature is missing, malformed, or failed verification"},
	CodeValidationGasBounds:     {Code: CodeValidationGasBounds, Category: CategoryValidation, HTTPStatus: 400, Message: "gas limit outside acceptable bounds"},
	CodePolicyAccountNotAllowed: {Code: CodePolicyAccountNotAllowed, Category: CategoryPolicy, HTTPStatus: 403, Message: "sender account is not on the allowlist"},
	CodePolicyFeeTooLow:         {Code: CodePolicyFeeTooLow, Category: CategoryPolicy, HTTPStatus: 400, Message: "expected profit does not clear the configured floor"},
	CodeQueueCapacity:           {Code: CodeQueueCapacity, Category: CategoryQueue, HTTPStatus: 503, Message: "admission queue is at capacity"},
	CodeSubmitNotAttempted:      {Code: CodeSubmitNotAttempted, Category: CategorySubmit, HTTPStatus: 202, Message: "queued; relay submission is disabled in this build"},
	CodeInternalError:           {Code: CodeInternalError, Category: CategoryInternal, HTTPStatus: 500, Message: "unexpected internal error"},
}

// Resolve looks a code up in the registry. The second return is false for
// unknown codes and for CodeOK, which is a state marker, not a reason.
func Resolve(code string) (Detail, bool) {
	d, ok := registry[code]
	return d, ok
}

// Rejection is the error a stage returns to fail an intent with a
// registered reason. It is the only error kind the pipeline runner maps
// to a client-visible envelope; everything else becomes INTERNAL_ERROR.
type Rejection struct {
	Detail Detail
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected: %s (%s)", r.Detail.Code, r.Detail.Message)
}

// Reject builds a Rejection for a registered code. Context is optional and
// is carried verbatim into the envelope and the audit record. Unknown codes
// degrade to INTERNAL_ERROR so an unregistered code can never reach a
// client.
func Reject(code string, context map[string]any) *Rejection {
	d, ok := registry[code]
	if !ok {
		d = registry[CodeInternalError]
	}
	d.Context = context
	return &Rejection{Detail: d}
}
