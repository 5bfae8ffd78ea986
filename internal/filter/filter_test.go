package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldIncludeMember(t *testing.T) {
	f := New(nil)

	tests := []struct {
		member string
		want   bool
	}{
		{"roads.shp", true},
		{"data/nested/roads.dbf", true},
		{"__MACOSX/roads.shp", false},
		{"data/__MACOSX/._roads.shp", false},
		{".DS_Store", false},
		{"data/.hidden.tif", false},
		{"Thumbs.db", false},
		{"sub/THUMBS.DB", false},
		{"folder/", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ShouldIncludeMember(tt.member))
		})
	}
}

func TestNew_ExtraPatterns(t *testing.T) {
	f := New([]string{"*.log", "README.txt", ""})

	assert.False(t, f.ShouldIncludeMember("build.log"))
	assert.False(t, f.ShouldIncludeMember("docs/readme.txt"))
	assert.True(t, f.ShouldIncludeMember("roads.prj"))
}

func TestFilterMembers(t *testing.T) {
	f := New(nil)
	got := f.FilterMembers([]string{"a.shp", "__MACOSX/a.shp", ".x", "b.tif"})
	assert.Equal(t, []string{"a.shp", "b.tif"}, got)
}

func TestFilterMembers_Empty(t *testing.T) {
	f := New(nil)
	assert.Empty(t, f.FilterMembers(nil))
}
