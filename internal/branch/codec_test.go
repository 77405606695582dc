package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		in      Name
		want    string
		wantErr bool
	}{
		{"with ordinal", Name{CategoryPrototype, 7, "auth-flow"}, "prototype/007-auth-flow", false},
		{"without ordinal", Name{CategoryPrototype, 0, "auth-flow"}, "prototype/auth-flow", false},
		{"max ordinal", Name{CategorySpike, 999, "x"}, "spike/999-x", false},
		{"numeric slug alone", Name{CategoryExperiment, 0, "2024"}, "experiment/2024", false},
		{"ordinal with numeric slug", Name{CategoryExperiment, 3, "2024-plan"}, "experiment/003-2024-plan", false},
		{"unknown category", Name{"feature", 1, "x"}, "", true},
		{"uppercase slug", Name{CategoryPrototype, 1, "Auth"}, "", true},
		{"double dash", Name{CategoryPrototype, 1, "a--b"}, "", true},
		{"ordinal too large", Name{CategoryPrototype, 1000, "x"}, "", true},
		{"negative ordinal", Name{CategoryPrototype, -1, "x"}, "", true},
		{"ambiguous numeric prefix", Name{CategoryPrototype, 0, "2024-plan"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBranchName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Name
		wantErr bool
	}{
		{"with ordinal", "prototype/012-auth-flow", Name{CategoryPrototype, 12, "auth-flow"}, false},
		{"without ordinal", "spike/auth-flow", Name{CategorySpike, 0, "auth-flow"}, false},
		{"numeric slug alone", "experiment/2024", Name{CategoryExperiment, 0, "2024"}, false},
		{"no category", "auth-flow", Name{}, true},
		{"unknown category", "feature/001-x", Name{}, true},
		{"short ordinal", "prototype/01-x", Name{}, true},
		{"long ordinal", "prototype/0001-x", Name{}, true},
		{"zero ordinal", "prototype/000-x", Name{}, true},
		{"empty slug", "prototype/", Name{}, true},
		{"ordinal without slug", "prototype/001-", Name{}, true},
		{"uppercase", "prototype/Auth", Name{}, true},
		{"nested path", "prototype/a/b", Name{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBranchName)
				assert.Equal(t, Name{}, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	slugs := []string{"a", "auth-flow", "x1-y2-z3", "2024", "v2", "a-001", "abc-123-def"}
	for _, category := range Categories {
		for _, ordinal := range []int{0, 1, 9, 10, 99, 100, 500, 999} {
			for _, slug := range slugs {
				in := Name{Category: category, Ordinal: ordinal, Slug: slug}
				encoded, err := Encode(in)
				require.NoError(t, err, "%+v", in)

				out, err := Decode(encoded)
				require.NoError(t, err, encoded)
				assert.Equal(t, in, out, encoded)
			}
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Auth Flow", "auth-flow", false},
		{"  --Hello,   World!!  ", "hello-world", false},
		{"Canvas LMS v2", "canvas-lms-v2", false},
		{"already-a-slug", "already-a-slug", false},
		{"!!!", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Slugify(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBranchName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextOrdinal(t *testing.T) {
	assert.Equal(t, 1, NextOrdinal(nil))
	assert.Equal(t, 1, NextOrdinal([]string{"main", "prototype/auth-flow"}))
	assert.Equal(t, 13, NextOrdinal([]string{
		"prototype/003-a",
		"experiment/012-b",
		"spike/b",
		"feature/099-ignored",
	}))
}

func TestName_String(t *testing.T) {
	assert.Equal(t, "spike/004-x", Name{CategorySpike, 4, "x"}.String())
	assert.Equal(t, "", Name{"bogus", 4, "x"}.String())
}
