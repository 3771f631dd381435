package depspec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewSpecCollectsAllErrors(t *testing.T) {
	_, err := NewSpec([]string{"requests", "bad=>1", "numpy>=1", "-nope"})
	require.Error(t, err)

	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, err.Error(), "bad=>1")
	assert.Contains(t, err.Error(), "-nope")
}

func TestNewSpecDeduplicates(t *testing.T) {
	spec, err := NewSpec([]string{"Requests>=2", "requests >=2", "numpy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"requests>=2", "numpy"}, spec.Strings())
}

func TestFingerprintOrderIndependent(t *testing.T) {
	pool := []string{
		"requests>=2.31",
		"numpy<2,>=1.24",
		"torch~=2.1",
		"pyyaml",
		"uvicorn[standard]",
		"django==4.*",
		"pywin32>=306; sys_platform == 'win32'",
		"Flask_Cors",
	}

	rapid.Check(t, func(t *rapid.T) {
		picked := rapid.SliceOfDistinct(rapid.SampledFrom(pool), rapid.ID[string]).Draw(t, "picked")
		perm := rapid.Permutation(picked).Draw(t, "perm")

		a, err := NewSpec(picked)
		if err != nil {
			t.Fatalf("NewSpec: %v", err)
		}
		b, err := NewSpec(perm)
		if err != nil {
			t.Fatalf("NewSpec: %v", err)
		}
		if a.Fingerprint() != b.Fingerprint() {
			t.Fatalf("fingerprint differs for %v and %v", picked, perm)
		}
	})
}

func TestFingerprintDistinguishesSpecs(t *testing.T) {
	a, err := NewSpec([]string{"requests>=2"})
	require.NoError(t, err)
	b, err := NewSpec([]string{"requests>=3"})
	require.NoError(t, err)
	empty, err := NewSpec(nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), empty.Fingerprint())
	assert.NoError(t, a.Fingerprint().Validate())
}

func TestFingerprintIgnoresSpelling(t *testing.T) {
	a, err := NewSpec([]string{"Flask_Cors >= 4.0 , < 5"})
	require.NoError(t, err)
	b, err := NewSpec([]string{"flask-cors<5,>=4.0"})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		deps        []string
		auto        bool
		want        []string
		conflicts   []string
		expectError bool
	}{
		{
			name: "no overlap",
			deps: []string{"requests>=2", "numpy"},
			want: []string{"requests>=2", "numpy"},
		},
		{
			name: "combines ranges",
			deps: []string{"numpy>=1.20", "numpy<2"},
			want: []string{"numpy<2,>=1.20"},
		},
		{
			name: "merges extras",
			deps: []string{"uvicorn[standard]", "uvicorn[dev]>=0.20"},
			want: []string{"uvicorn[dev,standard]>=0.20"},
		},
		{
			name:      "conflicting pins pick highest",
			deps:      []string{"torch==2.0.1", "torch==2.1.0"},
			auto:      true,
			want:      []string{"torch==2.1.0"},
			conflicts: []string{"torch"},
		},
		{
			name:        "conflicting pins without auto resolve",
			deps:        []string{"torch==2.0.1", "torch==2.1.0"},
			expectError: true,
		},
		{
			name: "same pin twice is not a conflict",
			deps: []string{"torch==2.1", "torch==2.1.0"},
			want: []string{"torch==2.1,==2.1.0"},
		},
		{
			name:      "four part pins pick highest",
			deps:      []string{"opencv-python==4.8.0.74", "opencv-python==4.8.0.76"},
			auto:      true,
			want:      []string{"opencv-python==4.8.0.76"},
			conflicts: []string{"opencv-python"},
		},
		{
			name:      "post release outranks its base",
			deps:      []string{"foo==2.0.post1", "foo==2.0"},
			auto:      true,
			want:      []string{"foo==2.0.post1"},
			conflicts: []string{"foo"},
		},
		{
			name: "different markers stay separate",
			deps: []string{"foo; sys_platform == 'win32'", "foo>=2; sys_platform == 'linux'"},
			want: []string{"foo; sys_platform == 'win32'", "foo>=2; sys_platform == 'linux'"},
		},
		{
			name: "same marker merges",
			deps: []string{"foo>=1; sys_platform == 'linux'", "foo<3; sys_platform == 'linux'"},
			want: []string{"foo<3,>=1; sys_platform == 'linux'"},
		},
		{
			name: "unmarked and marked stay separate",
			deps: []string{"foo==1.0", "foo==2.0; python_version < '3.10'"},
			want: []string{"foo==1.0", "foo==2.0; python_version < '3.10'"},
		},
		{
			name:        "conflicting direct references",
			deps:        []string{"w @ https://a.example/w.whl", "w @ https://b.example/w.whl"},
			auto:        true,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewSpec(tt.deps)
			require.NoError(t, err)

			res, err := spec.Resolve(tt.auto)
			if tt.expectError {
				require.Error(t, err)
				var rerr *ResolutionError
				assert.True(t, errors.As(err, &rerr))
				return
			}
			require.NoError(t, err)

			got := make([]string, len(res.Requirements))
			for i, r := range res.Requirements {
				got[i] = r.String()
			}
			assert.Equal(t, tt.want, got)

			for _, name := range tt.conflicts {
				assert.Contains(t, res.Conflicts, name)
			}
			if len(tt.conflicts) == 0 {
				assert.Empty(t, res.Conflicts)
			}
		})
	}
}

func TestResolutionFingerprint(t *testing.T) {
	a, err := NewSpec([]string{"torch==2.0.1", "torch==2.1.0", "numpy"})
	require.NoError(t, err)
	b, err := NewSpec([]string{"numpy", "torch==2.1.0", "torch==2.0.1"})
	require.NoError(t, err)
	pinned, err := NewSpec([]string{"numpy", "torch==2.1.0"})
	require.NoError(t, err)

	resA, err := a.Resolve(true)
	require.NoError(t, err)
	resB, err := b.Resolve(true)
	require.NoError(t, err)
	resPinned, err := pinned.Resolve(true)
	require.NoError(t, err)

	assert.Equal(t, resA.Fingerprint(), resB.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), resA.Fingerprint())
	// The environment built for the conflicting spec is the one the plain
	// pin describes.
	assert.Equal(t, resPinned.Fingerprint(), resA.Fingerprint())
}
