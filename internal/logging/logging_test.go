package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewFormats(t *testing.T) {
	logger, err := New("json", "debug")
	require.NoError(t, err)
	require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = New("TEXT", "")
	require.NoError(t, err)
	require.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
	require.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := New("xml", "info")
	require.Error(t, err)

	_, err = New("json", "loud")
	require.Error(t, err)
}
