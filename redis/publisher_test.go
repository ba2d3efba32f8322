package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSynthesizeTask(t *testing.T) {
	tests := []struct {
		name    string
		payload *SynthesizePayload
		wantErr bool
	}{
		{
			name: "valid payload",
			payload: &SynthesizePayload{
				UserID:         "u1",
				Provider:       "spotify",
				JobID:          "job-1",
				ItemsExtracted: 120,
				ExtractedAt:    time.Now(),
			},
		},
		{
			name:    "missing user id",
			payload: &SynthesizePayload{Provider: "spotify"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewSynthesizeTask(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, TypeSynthesize, task.Type())

			var decoded SynthesizePayload
			require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
			assert.Equal(t, tt.payload.UserID, decoded.UserID)
			assert.Equal(t, tt.payload.Provider, decoded.Provider)
			assert.Equal(t, tt.payload.ItemsExtracted, decoded.ItemsExtracted)
		})
	}
}

func TestQueueForPriority(t *testing.T) {
	tests := []struct {
		priority int
		want     string
	}{
		{priority: 1, want: "critical"},
		{priority: 2, want: "critical"},
		{priority: 3, want: "default"},
		{priority: 5, want: "default"},
		{priority: 6, want: "low"},
		{priority: 99, want: "low"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, QueueForPriority(tt.priority), "priority %d", tt.priority)
	}
}
