package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "deployq.yaml", c.PipelineFile)
	assert.Equal(t, 30*time.Minute, c.StepTimeout)
	assert.Equal(t, 16, c.QueueSize)
	assert.Equal(t, "local-agent", c.AgentID)
	assert.Empty(t, c.WebhookSecret)
}

func TestParseFromEnvironment(t *testing.T) {
	t.Setenv("DEPLOYQ_PORT", "9000")
	t.Setenv("DEPLOYQ_STEP_TIMEOUT", "90s")
	t.Setenv("DEPLOYQ_WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("DEPLOYQ_LOG_PRETTY", "true")

	c, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 90*time.Second, c.StepTimeout)
	assert.Equal(t, "s3cr3t", c.WebhookSecret)
	assert.True(t, c.LogPrettyPrint)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := map[string]struct {
		key, value string
	}{
		"port out of range":    {"DEPLOYQ_PORT", "70000"},
		"zero timeout":         {"DEPLOYQ_STEP_TIMEOUT", "0s"},
		"non numeric queue":    {"DEPLOYQ_QUEUE_SIZE", "many"},
		"negative queue size":  {"DEPLOYQ_QUEUE_SIZE", "-1"},
		"unparseable duration": {"DEPLOYQ_STEP_TIMEOUT", "soon"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestUsageDescribesRepositoryOverride(t *testing.T) {
	var c Config
	var buf bytes.Buffer
	require.NoError(t, envconfig.Usagef(Prefix, &c, &buf, "{{range .}}{{usage_key .}}: {{usage_description .}}\n{{end}}"))
	assert.Contains(t, buf.String(), "DEPLOYQ_REPOSITORY_URL: Clone URL for every run, overriding the one in push events when set")
}
