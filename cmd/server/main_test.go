package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manpreetbhatti/roomsync/internal/config"
)

func TestRootCmdRejectsMissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, cmd.Execute())
}

func TestRootCmdValidatesFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--mailbox-size", "0"})
	assert.ErrorIs(t, cmd.Execute(), config.ErrInvalid)
}

func TestRootCmdRejectsBadLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--log-level", "shouty"})
	assert.Error(t, cmd.Execute())
}
