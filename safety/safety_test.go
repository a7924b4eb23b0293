package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeywordChecker(t *testing.T) {
	k := NewKeywordChecker(zap.NewNop(), "forbidden-word")

	tests := []struct {
		name     string
		text     string
		allowed  bool
		severity Severity
	}{
		{"clean prompt", "masterpiece, best quality, high resolution, a knight at sunset", true, SeverityNone},
		{"substrings do not match", "a cute warrior in white armor, skilled", true, SeverityNone},
		{"critical", "a jailbait pinup", false, SeverityCritical},
		{"minor in sexual context", "a naked CHILD standing in a field", false, SeverityCritical},
		{"stated age in sexual context", "nude, 15 years old", false, SeverityCritical},
		{"minor words alone", "baby blue dress, minor scratches on her armor", true, SeverityNone},
		{"adult sexual context alone", "sexy adult woman in lingerie", true, SeverityNone},
		{"high", "a scene of torture", false, SeverityHigh},
		{"medium only warns", "a photo of a bomb shelter", true, SeverityMedium},
		{"extra term", "a forbidden-word here", false, SeverityHigh},
		{"high wins over medium", "torture in a bomb shelter", false, SeverityHigh},
		{"highest tier wins", "gore and incest", false, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := k.Check(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.severity, v.Severity)
			if !tt.allowed {
				assert.NotEmpty(t, v.Reasons)
				assert.NotEmpty(t, v.Message)
			} else {
				assert.Empty(t, v.Reasons)
			}
		})
	}
}

func TestKeywordCheckerReasons(t *testing.T) {
	k := NewKeywordChecker(zap.NewNop())
	v, err := k.Check(context.Background(), "gore, gore and murder")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gore", "murder"}, v.Reasons)
}

func TestKeywordCheckerWarnings(t *testing.T) {
	k := NewKeywordChecker(zap.NewNop())
	v, err := k.Check(context.Background(), "a photo of a bomb shelter")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, []string{"bomb"}, v.Warnings)
	assert.Contains(t, v.Message, "bomb")

	v, err = k.Check(context.Background(), "murder near a bomb")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"murder"}, v.Reasons)
	assert.Equal(t, []string{"bomb"}, v.Warnings)
}
