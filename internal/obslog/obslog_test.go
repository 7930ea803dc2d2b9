package obslog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("tableengine")
	logger.Info().Msg("table created")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tableengine", entry["component"])
	assert.Equal(t, "table created", entry["message"])
}

func TestWithTableAddsBucketAndTable(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	tableLogger := WithTable("in_c_s", "orders")
	tableLogger.Warn().Msg("slow query")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "in_c_s", entry["bucket"])
	assert.Equal(t, "orders", entry["table"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Debug("should be suppressed")
	assert.Empty(t, buf.String())

	Warn("should appear")
	assert.NotEmpty(t, buf.String())
}
