package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWatchdogIsScheduled(t *testing.T) {
	c := startMemoryWatchdog()
	require.NotNil(t, c)
	defer c.Stop()

	// A bad schedule expression would leave the cron empty.
	assert.Len(t, c.Entries(), 1)
}
