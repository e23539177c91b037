package naming_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anireap/anireap/internal/naming"
)

func TestIsEpisodeName(t *testing.T) {
	assert.True(t, naming.IsEpisodeName("Show A S02E01"))
	assert.True(t, naming.IsEpisodeName("Show A - S01E12.5"))
	assert.False(t, naming.IsEpisodeName("Show A The Movie"))
	assert.False(t, naming.IsEpisodeName(""))
}

func TestMediaExtensions(t *testing.T) {
	assert.True(t, naming.IsVideo("a/b/Episode.MKV"))
	assert.True(t, naming.IsSubtitle("Episode.chs.ass"))
	assert.True(t, naming.IsMedia("Episode.mp4"))
	assert.False(t, naming.IsMedia("readme.txt"))
	assert.False(t, naming.IsMedia("noextension"))
	assert.Equal(t, "mkv", naming.Ext("Episode.MKV"))
	assert.Empty(t, naming.Ext("noextension"))
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		canonical string
		want      string
	}{
		{
			name:      "video at torrent root",
			fileName:  "[Group] Show A - 01 [1080p].mkv",
			canonical: "Show A - S02E01",
			want:      "Show A - S02E01.mkv",
		},
		{
			name:      "keeps parent directory",
			fileName:  "[Group] Show A/[Group] Show A - 01.mp4",
			canonical: "Show A - S02E01",
			want:      "[Group] Show A/Show A - S02E01.mp4",
		},
		{
			name:      "keeps subtitle language",
			fileName:  "[Group] Show A - 01.chs.ass",
			canonical: "Show A - S02E01",
			want:      "Show A - S02E01.chs.ass",
		},
		{
			name:      "drops bracketed pseudo language",
			fileName:  "[Group] Show A - 01 [1080p].ass",
			canonical: "Show A - S02E01",
			want:      "Show A - S02E01.ass",
		},
		{
			name:      "no extension is untouched",
			fileName:  "README",
			canonical: "Show A - S02E01",
			want:      "README",
		},
		{
			name:      "sanitizes canonical name",
			fileName:  "ep01.mkv",
			canonical: "Show: A? - S02E01",
			want:      "Show A - S02E01.mkv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, naming.Target(tt.fileName, tt.canonical))
		})
	}
}

func TestPlan(t *testing.T) {
	t.Run("RenamesEachFile", func(t *testing.T) {
		steps := naming.Plan([]string{"ep01.mkv", "ep01.ass"}, "Show A - S02E01")

		assert.Equal(t, []naming.Step{
			{Source: "ep01.mkv", Target: "Show A - S02E01.mkv", Action: naming.Rename},
			{Source: "ep01.ass", Target: "Show A - S02E01.ass", Action: naming.Rename},
		}, steps)
	})

	t.Run("ExcludesLaterCollision", func(t *testing.T) {
		steps := naming.Plan([]string{"ep01-1080p.mkv", "ep01-720p.mkv"}, "Show A - S02E01")

		assert.Equal(t, naming.Rename, steps[0].Action)
		assert.Equal(t, naming.Exclude, steps[1].Action)
		assert.Equal(t, "Show A - S02E01.mkv", steps[1].Target)
	})

	t.Run("ExistingTargetIsKept", func(t *testing.T) {
		steps := naming.Plan([]string{"ep01-1080p.mkv", "Show A - S02E01.mkv"}, "Show A - S02E01")

		assert.Equal(t, naming.Keep, steps[0].Action)
		assert.Equal(t, naming.Keep, steps[1].Action)
	})

	t.Run("SecondRunIsAllKeep", func(t *testing.T) {
		first := naming.Plan([]string{"ep01-1080p.mkv", "ep01-720p.mkv", "ep01.ass"}, "Show A - S02E01")

		var renamed []string
		for _, step := range first {
			if step.Action == naming.Rename {
				renamed = append(renamed, step.Target)
			} else {
				renamed = append(renamed, step.Source)
			}
		}

		for _, step := range naming.Plan(renamed, "Show A - S02E01") {
			assert.Equal(t, naming.Keep, step.Action, step.Source)
		}
	})

	t.Run("IdempotentOnCanonicalNames", func(t *testing.T) {
		steps := naming.Plan([]string{"Show A - S02E01.mkv", "Show A - S02E01.ass"}, "Show A - S02E01")

		for _, step := range steps {
			assert.Equal(t, naming.Keep, step.Action)
		}
	})
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "Show A - S02E01", naming.Format("", "Show A", 2, 1))
	assert.Equal(t, "Show A - S01E05.5", naming.Format("", "Show A", 1, 5.5))
	assert.Equal(t, "Show A S2E12", naming.Format("{title} S{season}E{episode}", "Show A", 2, 12))
	assert.Equal(t, "Show A {unknown}", naming.Format("{title} {unknown}", "Show A", 1, 1))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a b c", naming.SanitizeFilename("a/b\\c"))
	assert.Equal(t, "name.ext", naming.SanitizeFilename("  name..ext. "))
}
