package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name      string
		userID    uint
		taskID    string
		role      string
		sourceURL string
		expected  string
	}{
		{
			name:      "glb 模型",
			userID:    7,
			taskID:    "task-1",
			role:      "model",
			sourceURL: "https://provider.example.com/out/x.glb?sign=abc",
			expected:  "models/7/task-1/model.glb",
		},
		{
			name:      "预览图",
			userID:    7,
			taskID:    "task-1",
			role:      "rendered_image",
			sourceURL: "https://provider.example.com/out/preview.PNG",
			expected:  "models/7/task-1/rendered_image.png",
		},
		{
			name:      "无扩展名回退 bin",
			userID:    2,
			taskID:    "task-9",
			role:      "pbr_model",
			sourceURL: "https://provider.example.com/out/blob",
			expected:  "models/2/task-9/pbr_model.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ArtifactKey(tt.userID, tt.taskID, tt.role, tt.sourceURL))
		})
	}
}

// 同一产物重试时键必须一致，覆盖而不是堆积
func TestArtifactKey_Deterministic(t *testing.T) {
	a := ArtifactKey(1, "t", "model", "https://p/x.glb")
	b := ArtifactKey(1, "t", "model", "https://p/x.glb")
	assert.Equal(t, a, b)
}

func TestRelocationError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &RelocationError{Key: "models/1/t/model.glb", Err: cause}

	assert.Contains(t, err.Error(), "models/1/t/model.glb")
	assert.ErrorIs(t, err, cause)
}
