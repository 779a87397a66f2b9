package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProductionIsJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, "warn", "production", "tally-api")

	logger.Info().Msg("dropped")
	logger.Warn().Str("wallet_id", "w1").Msg("balance_mismatch_detected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "tally-api", line["service"])
	assert.Equal(t, "production", line["environment"])
	assert.Equal(t, "w1", line["wallet_id"])
	assert.Equal(t, "balance_mismatch_detected", line["message"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, "shouting", "production", "tally-api")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
