package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUsageQuote(t *testing.T) {
	out, err := run(t, "usage", "quote",
		"--input-tokens", "1200", "--output-tokens", "310", "--resource-class", "gpt-4o")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "6.1", got["credits"])
	assert.Equal(t, "7", got["charged"])
}

func TestUsageQuote_UnknownClass(t *testing.T) {
	_, err := run(t, "usage", "quote", "--input-tokens", "1", "--resource-class", "mystery")
	assert.Error(t, err)
}

func TestUsageRates(t *testing.T) {
	out, err := run(t, "usage", "rates")
	require.NoError(t, err)
	assert.Contains(t, out, `"resource_class": "gpt-4o"`)
}

func TestRequiredFlags(t *testing.T) {
	_, err := run(t, "credit", "add", "--account", "acct")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
