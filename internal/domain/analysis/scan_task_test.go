package analysis

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
)

func TestScanTask_Drained(t *testing.T) {
	tests := []struct {
		name     string
		status   ScanTaskStatus
		scanning int64
		want     bool
	}{
		{"submitted and drained", ScanTaskStatusSubmitted, 0, true},
		{"submitted with work in flight", ScanTaskStatusSubmitted, 3, false},
		{"still submitting", ScanTaskStatusSubmitting, 0, false},
		{"already finished", ScanTaskStatusFinished, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := ReconstructScanTask(
				uuid.New(), nil, "proj-a", "trivy", "MANUAL",
				nil, nil, tt.status,
				10, tt.scanning, 7, 0, 7,
				nil, time.Now(), time.Time{},
			)
			assert.Equal(t, tt.want, task.Drained())
		})
	}
}

func TestNewScanTask(t *testing.T) {
	planID := uuid.New()
	task := NewScanTask("proj-a", "trivy", "PIPELINE", &planID, nil, nil)

	assert.Equal(t, ScanTaskStatusPending, task.Status())
	assert.Equal(t, "PIPELINE", task.Metadata()[MetadataKeyTriggerType])
	assert.Equal(t, &planID, task.PlanID())
	assert.NotNil(t, task.ResultOverview())
	assert.Zero(t, task.Total())
}
