package depspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2.31.0", "2.31.0"},
		{"4.8.0.76", "4.8.0.76"},
		{"2.0.post1", "2.0.post1"},
		{"2.1.post2", "2.1.post2"},
		{"1.0-1", "1.0.post1"},
		{"2.0RC1", "2.0rc1"},
		{"1.0.0-beta.2", "1.0.0b2"},
		{"1.0.dev", "1.0.dev0"},
		{"v3", "3"},
		{"1!2.0", "1!2.0"},
		{"2.1.0+CPU", "2.1.0+cpu"},
		{"1.0a1.post2.dev3", "1.0a1.post2.dev3"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
			assert.Equal(t, tt.input, v.Original())
		})
	}
}

func TestParseVersionErrors(t *testing.T) {
	for _, input := range []string{"", "two", "not-a-version", "1.0+", "1..0", "=1.0"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseVersion(input)
			assert.Error(t, err)
		})
	}
}

func TestVersionOrdering(t *testing.T) {
	ordered := []string{
		"1.0.dev1",
		"1.0a1.dev1",
		"1.0a1",
		"1.0a1.post1",
		"1.0b1",
		"1.0rc1",
		"1.0",
		"1.0.post1.dev1",
		"1.0.post1",
		"1.0.1",
		"1.1",
		"4.8.0.74",
		"4.8.0.76",
		"1!0.1",
	}

	for i := range ordered {
		for j := range ordered {
			a, err := ParseVersion(ordered[i])
			require.NoError(t, err)
			b, err := ParseVersion(ordered[j])
			require.NoError(t, err)

			want := compareInt(i, j)
			assert.Equal(t, want, a.Compare(b), "%s vs %s", ordered[i], ordered[j])
		}
	}
}

func TestVersionCompareIgnoresTrailingZerosAndLocal(t *testing.T) {
	a, err := ParseVersion("2.1")
	require.NoError(t, err)
	b, err := ParseVersion("2.1.0+cpu")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Compare(b))
}

func TestCompileClauseErrors(t *testing.T) {
	tests := []Clause{
		{Op: ">=", Version: "4.*"},
		{Op: "==", Version: "4.0rc1.*"},
		{Op: "~=", Version: "2"},
		{Op: "<", Version: "two"},
	}
	for _, c := range tests {
		t.Run(c.String(), func(t *testing.T) {
			_, err := compileClause(c)
			assert.Error(t, err)
		})
	}
}
