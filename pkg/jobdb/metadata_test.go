package jobdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataDropsState(t *testing.T) {
	md := NewMetadata(BaseFields(), map[string]any{"name": "job1", "state": "RUNNING"})
	assert.False(t, md.Has("state"))
	assert.Nil(t, md.Get("state"))
	assert.Equal(t, "job1", md.Name())
	assert.False(t, md.NeedsSync())
}

func TestMetadataSet(t *testing.T) {
	md := NewMetadata(BaseFields(), map[string]any{"name": "job1", "user": "alice"})

	err := md.Set("garbage", "x")
	require.Error(t, err)
	assert.True(t, IsUnknownField(err))
	assert.False(t, md.NeedsSync())

	require.NoError(t, md.Set("user", "alice"))
	assert.False(t, md.NeedsSync(), "same value must not mark dirty")

	require.NoError(t, md.Set("user", "bob"))
	assert.True(t, md.NeedsSync())
	assert.Equal(t, []string{"user"}, md.DirtyKeys())
	assert.Equal(t, "bob", md.String("user"))

	md.MarkSynced()
	assert.False(t, md.NeedsSync())
	assert.Empty(t, md.DirtyKeys())
}

func TestMetadataTimes(t *testing.T) {
	md := NewMetadata(BaseFields(), map[string]any{
		"name":        "job1",
		"submit_time": []byte("2024-03-01 10:20:30"),
	})
	st := md.Time("submit_time")
	require.NotNil(t, st)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), *st)
	assert.Nil(t, md.Time("run_time"))

	now := time.Date(2024, 3, 2, 1, 2, 3, 456, time.FixedZone("X", 3600))
	require.NoError(t, md.Set("run_time", now))
	got := md.Time("run_time")
	require.NotNil(t, got)
	assert.True(t, got.Equal(now.Truncate(time.Second)))
	assert.Equal(t, time.UTC, got.Location())

	md.MarkSynced()
	require.NoError(t, md.Set("run_time", &now))
	assert.False(t, md.NeedsSync(), "equal instant must not mark dirty")

	require.NoError(t, md.Set("run_time", nil))
	assert.True(t, md.NeedsSync())
	assert.Nil(t, md.Time("run_time"))
}

func TestFieldValidate(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		wantErr bool
	}{
		{"ok", Field{Name: "hostname", Kind: KindText}, false},
		{"empty", Field{Name: "", Kind: KindText}, true},
		{"reserved", Field{Name: "state", Kind: KindText}, true},
		{"bad char", Field{Name: "a-b", Kind: KindInt}, true},
		{"bad kind", Field{Name: "x", Kind: "blob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
