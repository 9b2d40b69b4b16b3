package reason

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesEveryPublishedCode(t *testing.T) {
	for _, code := range AllCodes() {
		d, ok := Resolve(code)
		require.True(t, ok, "code %s must resolve", code)
		assert.Equal(t, code, d.Code)
		assert.NotEmpty(t, d.Message)
		assert.NotZero(t, d.HTTPStatus)
	}
}

func TestHTTPMappings(t *testing.T) {
	cases := map[string]int{
		CodeClientBadRequest:        400,
		CodeClientDuplicate:         200,
		CodeClientExpired:           400,
		CodeClientNotFound:          404,
		CodeScreenTooLarge:          413,
		CodeScreenRateLimit:         429,
		CodeScreenReplaySeen:        200,
		CodeValidationSchemaFail:    400,
		CodeValidationChainMismatch: 400,
		CodeValidationSignatureFail: 401,
		CodeValidationGasBounds:     400,
		CodePolicyAccountNotAllowed: 403,
		CodePolicyFeeTooLow:         400,
		CodeQueueCapacity:           503,
		CodeSubmitNotAttempted:      202,
		CodeInternalError:           500,
	}
	require.Len(t, cases, len(AllCodes()), "mapping table must cover the registry")
	for code, status := range cases {
		d, ok := Resolve(code)
		require.True(t, ok)
		assert.Equal(t, status, d.HTTPStatus, "code %s", code)
	}
}

func TestOKIsNotAPublishedReason(t *testing.T) {
	_, ok := Resolve(CodeOK)
	assert.False(t, ok)
}

func TestRejectCarriesContext(t *testing.T) {
	rej := Reject(CodeValidationChainMismatch, map[string]any{"expected": "eth-mainnet", "got": "polygon"})
	assert.Equal(t, CodeValidationChainMismatch, rej.Detail.Code)
	assert.Equal(t, "eth-mainnet", rej.Detail.Context["expected"])

	var asRej *Rejection
	require.True(t, errors.As(error(rej), &asRej))
}

func TestRejectUnknownCodeDegradesToInternal(t *testing.T) {
	rej := Reject("NO_SUCH_CODE", nil)
	assert.Equal(t, CodeInternalError, rej.Detail.Code)
	assert.Equal(t, 500, rej.Detail.HTTPStatus)
}

func TestContextDoesNotLeakIntoRegistry(t *testing.T) {
	_ = Reject(CodeQueueCapacity, map[string]any{"depth": 128})
	d, ok := Resolve(CodeQueueCapacity)
	require.True(t, ok)
	assert.Nil(t, d.Context)
}
