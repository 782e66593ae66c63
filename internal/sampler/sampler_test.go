package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		target int
		want   []int
	}{
		{"Empty video", 0, 20, []int{}},
		{"Fewer frames than target", 15, 20, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}},
		{"Exact multiple", 100, 20, []int{0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95}},
		{"Remainder yields an extra index", 45, 20, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 26, 28, 30, 32, 34, 36, 38, 40, 42, 44}},
		{"Single frame", 1, 20, []int{0}},
		{"Target of one", 10, 1, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sample(tt.total, tt.target))
		})
	}
}

func TestSampleProperties(t *testing.T) {
	for total := 0; total <= 300; total++ {
		for _, target := range []int{1, 3, 7, 20, 64, 500} {
			got := Sample(total, target)
			if total == 0 {
				require.Empty(t, got)
				continue
			}
			require.NotEmpty(t, got, "total=%d target=%d", total, target)
			require.Equal(t, 0, got[0])
			for i, idx := range got {
				require.Less(t, idx, total)
				if i > 0 {
					require.Greater(t, idx, got[i-1])
				}
			}
		}
	}
}

func TestSampleDeterministic(t *testing.T) {
	assert.Equal(t, Sample(1234, DefaultTargetFrames), Sample(1234, DefaultTargetFrames))
}

func TestSampleNonPositiveTarget(t *testing.T) {
	assert.Equal(t, []int{0}, Sample(5, 0))
}
