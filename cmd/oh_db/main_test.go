package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestRequireTLSFlags(t *testing.T) {
	require.Error(t, requireTLSFlags("", "cert", "key"))
	require.Error(t, requireTLSFlags("ca", "", "key"))
	require.Error(t, requireTLSFlags("ca", "cert", ""))
	require.NoError(t, requireTLSFlags("ca", "cert", "key"))
}

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	log, err := newLogger("info", "-")
	require.NoError(t, err)
	require.Equal(t, os.Stderr, log.Out)
	require.Equal(t, logrus.InfoLevel, log.Level)
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	_, err := newLogger("nonsense", "-")
	require.Error(t, err)
}

func TestNewLoggerOpensFileTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oh_db.log")
	log, err := newLogger("warn", path)
	require.NoError(t, err)
	require.Equal(t, logrus.WarnLevel, log.Level)

	log.Warn("hello")
	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	require.Contains(t, string(data), "hello")
}
