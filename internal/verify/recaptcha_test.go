package verify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-signup/internal/config"
	"ms-signup/internal/logger"
	"ms-signup/internal/verify"
)

func newVerifier(production bool) *verify.Verifier {
	return verify.NewVerifier(config.RecaptchaConfig{
		Secret:        "test-secret",
		MinScore:      0.5,
		SentinelToken: "test-sentinel",
	}, production, logger.NewLogger())
}

func TestSentinelTokenAcceptedOutsideProduction(t *testing.T) {
	v := newVerifier(false)

	result, err := v.Verify(context.Background(), "test-sentinel")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, v.Passed(result))
}

func TestPassedThreshold(t *testing.T) {
	v := newVerifier(false)

	assert.True(t, v.Passed(&verify.Result{Success: true, Score: 0.9}))
	assert.False(t, v.Passed(&verify.Result{Success: true, Score: 0.5}), "score at threshold does not pass")
	assert.False(t, v.Passed(&verify.Result{Success: true, Score: 0.1}))
	assert.False(t, v.Passed(&verify.Result{Success: false, Score: 0.9}), "low-confidence flag overrides score")
	assert.False(t, v.Passed(nil))
}
