package main

import (
	"testing"
	"time"

	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/stretchr/testify/assert"
)

func TestRenderRecords(t *testing.T) {
	out := renderRecords([]*workflow.Record{
		{
			CorrelationID: "0190f4b2-6c1e-7a3d-9e2f-5b8c7d6e4f3a",
			ObjectID:      "obj-1",
			Action:        types.ActionReplicate,
			Peer:          "chron",
			Step:          types.StepComplete,
			State:         types.StateSuccess,
			Sequence:      4,
			UpdatedAt:     time.Now(),
		},
	})
	assert.Contains(t, out, "chron")
	assert.Contains(t, out, "obj-1")
	assert.Contains(t, out, "complete")
	assert.NotContains(t, out, "No records")

	assert.Contains(t, renderRecords(nil), "No records")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "abcd…", shorten("abcdefgh", 5))
}

func TestLoadConfigNameOverride(t *testing.T) {
	t.Setenv("DPN_NODE_NAME", "aptrust")
	nodeName = "chron"
	defer func() { nodeName = "" }()

	cfg, err := loadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "chron", cfg.NodeName)
}
