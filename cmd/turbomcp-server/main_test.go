package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_HasServeSubcommand(t *testing.T) {
	found := false
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "serve" {
			found = true
			break
		}
	}
	assert.True(t, found, "serve command not registered on rootCmd")
}

func TestServeCmd_AcceptsAtMostOneTransportArg(t *testing.T) {
	assert.NoError(t, serveCmd.Args(serveCmd, []string{"tcp"}))
	assert.Error(t, serveCmd.Args(serveCmd, []string{"tcp", "extra"}))
}

func TestNewLogger_DefaultsToInfoOnBadLevel(t *testing.T) {
	logger, err := newLogger("not-a-level")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_AcceptsKnownLevel(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
