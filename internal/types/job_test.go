package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusInFlight(t *testing.T) {
	assert.True(t, JobPending.InFlight())
	assert.True(t, JobRunning.InFlight())
	assert.False(t, JobSucceeded.InFlight())
	assert.False(t, JobFailed.InFlight())
}
