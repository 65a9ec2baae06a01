package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/config"
)

func TestParseTimestamps(t *testing.T) {
	ts, err := parseTimestamps("1000, 2000,3000")
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 2000, 3000}, ts)

	_, err = parseTimestamps("1000,soon")
	assert.ErrorIs(t, err, config.ErrFatalConfiguration)
}
