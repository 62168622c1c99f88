package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"consensus-research-pipeline/internal/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := logger.New(logger.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = logger.New(logger.LogConfig{Format: "xml"})
	assert.Error(t, err)

	_, err = logger.New(logger.LogConfig{Output: "file"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	log, err := logger.New(logger.LogConfig{})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logrus.DebugLevel)

	log.Info("agent finished", "agent_id", 2, "iteration", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "agent finished", entry["msg"])
	assert.EqualValues(t, 2, entry["agent_id"])
	assert.EqualValues(t, 1, entry["iteration"])
}

func TestLogServiceWithError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logrus.DebugLevel)

	log.LogService("search", "query", 1500*time.Millisecond, map[string]any{"query": "x"}, errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "search", entry["service"])
	assert.EqualValues(t, 1500, entry["duration_ms"])
	assert.Equal(t, "boom", entry["error"])
}
