package conflict

import (
	"context"
	"testing"

	"homework-grader/api/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSolver map[string]string

func (m mapSolver) Name() string { return "wolfram" }

func (m mapSolver) Solve(_ context.Context, expr string) (provider.Solution, error) {
	if a, ok := m[expr]; ok {
		return provider.Solution{Answer: a}, nil
	}
	return provider.Solution{}, provider.ErrUninterpretable
}

func TestDiffer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"12 × 4 = ", "12*4=", false},
		{"12 ÷ 4", "12/4", false},
		{"−3 + 5", "-3+5", false},
		{"3 x 4", "3 × 4", false},
		{"Solve for x: 2x + 5 = 13", "solve for x 2x+5=13", false},
		{`$\frac{3}{4} + \frac{1}{2}$`, "3/4 + 1/2", false},
		{"1,250 + 3", "1250+3", false},
		{"12 + 4", "12 + 9", true},
		{"2x + 5 = 13", "2y + 5 = 13", true},
		{"3/4 + 1/2", "3/4 - 1/2", true},
		{"18 - 5", "10 - 5", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Differ(tt.a, tt.b), "cores %q %q", Core(tt.a), Core(tt.b))
		})
	}
}

func TestDetect_NoConflict(t *testing.T) {
	d := NewDetector(mapSolver{})
	res := d.Detect(context.Background(), Reading{Text: "12 × 4"}, Reading{Text: "12*4"})
	assert.False(t, res.HasConflict)
	assert.Empty(t, res.Options)

	res = d.Detect(context.Background(), Reading{Text: "12 × 4"}, Reading{Text: ""})
	assert.False(t, res.HasConflict)
}

func TestDetect_RankedOptions(t *testing.T) {
	d := NewDetector(mapSolver{"18 - 5": "13", "10 - 5": "5"})
	res := d.Detect(context.Background(),
		Reading{Text: "18 - 5", Confidence: 0.6},
		Reading{Text: "10 - 5", Confidence: 0.9},
	)
	require.True(t, res.HasConflict)
	require.Len(t, res.Options, 2)
	assert.Equal(t, SourceOCR, res.Options[0].Source)
	assert.Equal(t, "5", res.Options[0].ComputedAnswer)
	assert.Equal(t, SourceVision, res.Options[1].Source)
	assert.Equal(t, "13", res.Options[1].ComputedAnswer)
	assert.Equal(t, "18 - 5", res.Options[1].Transcription)
}

func TestDetect_VisionWinsTiesAndSolverFailureIsNoted(t *testing.T) {
	d := NewDetector(mapSolver{"12 + 4": "16"})
	res := d.Detect(context.Background(),
		Reading{Text: "12 + 4", Confidence: 0.8},
		Reading{Text: "12 + 9 ???", Confidence: 0.8},
	)
	require.True(t, res.HasConflict)
	require.Len(t, res.Options, 2)
	assert.Equal(t, SourceVision, res.Options[0].Source)
	assert.Empty(t, res.Options[1].ComputedAnswer)
	assert.NotEmpty(t, res.Options[1].Note)
}

func TestDetect_WithoutSolver(t *testing.T) {
	res := NewDetector(nil).Detect(context.Background(), Reading{Text: "1+1", Confidence: 1.4}, Reading{Text: "7+1"})
	require.True(t, res.HasConflict)
	assert.Equal(t, 1.0, res.Options[0].Confidence)
	assert.Equal(t, "no solver configured", res.Options[0].Note)
}

func TestSplitProblems(t *testing.T) {
	text := "Name: Sam\n1. 2 + 2 =\n2) 3/4 + 1/2\n   = ?\n#3 2.5 + 1\nProblem 4: solve 2x+5=13\nQ5 7 - 9\n2. duplicate"
	got := SplitProblems(text)
	assert.Equal(t, map[int]string{
		1: "2 + 2 =",
		2: "3/4 + 1/2\n   = ?",
		3: "2.5 + 1",
		4: "solve 2x+5=13",
		5: "7 - 9",
	}, got)

	assert.Empty(t, SplitProblems("no numbering here"))
}
