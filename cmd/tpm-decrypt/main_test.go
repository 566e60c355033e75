package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tpm-decrypt version "+version+"\n", out)
}

func TestSubcommandsRegistered(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"decrypt"}, {"encrypt"}, {"provision"}, {"fingerprint"}, {"license", "validate"}, {"version"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRequiredFlags(t *testing.T) {
	_, err := execute(t, "decrypt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"in"`)

	_, err = execute(t, "encrypt", "--in", "plain.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"out"`)

	_, err = execute(t, "license", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"key"`)
}

func TestDecryptFlagDefaults(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"decrypt"})
	require.NoError(t, err)

	assert.Equal(t, "", cmd.Flags().Lookup("handle").DefValue)
	assert.Equal(t, "", cmd.Flags().Lookup("out").DefValue)
	assert.Equal(t, "false", cmd.Flags().Lookup("checksum").DefValue)
}
