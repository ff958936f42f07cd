package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestComponentTagsEveryEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "detector")
	logger.Info().Msg("cycle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "detector", entry["component"], "子日志应带上组件名")
	require.Equal(t, "cycle", entry["message"])
}
