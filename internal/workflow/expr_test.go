package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("")
	require.NoError(t, err)
	assert.Equal(t, Condition{Check: CheckSuccess}, c)

	c, err = ParseCondition("${{ always() }}")
	require.NoError(t, err)
	assert.Equal(t, Condition{Check: CheckAlways}, c)

	c, err = ParseCondition("!cancelled()")
	require.NoError(t, err)
	assert.Equal(t, Condition{Check: CheckCancelled, Negate: true}, c)

	_, err = ParseCondition("github.ref == 'main'")
	assert.Error(t, err)
}

func TestCondition_Eval(t *testing.T) {
	success := Condition{Check: CheckSuccess}
	assert.True(t, success.Eval(false, false))
	assert.False(t, success.Eval(true, false))
	assert.False(t, success.Eval(false, true))

	failure := Condition{Check: CheckFailure}
	assert.False(t, failure.Eval(false, false))
	assert.True(t, failure.Eval(true, false))

	always := Condition{Check: CheckAlways}
	assert.True(t, always.Eval(true, true))

	notCancelled := Condition{Check: CheckCancelled, Negate: true}
	assert.True(t, notCancelled.Eval(true, false))
	assert.False(t, notCancelled.Eval(false, true))
}

func TestInterpolate(t *testing.T) {
	ctx := ExprContext{
		Env:    map[string]string{"APP_URL": "http://127.0.0.1:8000"},
		Github: map[string]string{"sha": "abc123", "ref_name": "main"},
		Runner: map[string]string{"os": "Linux"},
		Steps:  map[string]string{"tests": "failure"},
	}

	assert.Equal(t, "http://127.0.0.1:8000/login", Interpolate("${{ env.APP_URL }}/login", ctx))
	assert.Equal(t, "main@abc123", Interpolate("${{github.ref_name}}@${{ github.sha }}", ctx))
	assert.Equal(t, "Linux", Interpolate("${{ runner.os }}", ctx))
	assert.Equal(t, "failure", Interpolate("${{ steps.tests.outcome }}", ctx))
	assert.Equal(t, "x--y", Interpolate("x-${{ secrets.TOKEN }}-y", ctx))
	assert.Equal(t, "plain $HOME", Interpolate("plain $HOME", ctx))
}
