package conflict

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/leveling/leveling/internal/flatstore"
	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

func at(min int) *time.Time {
	t := time.Date(2024, 1, 1, 12, min, 0, 0, time.UTC)
	return &t
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		meta  *remote.Meta
		local types.SyncMetadata
		want  Kind
	}{
		{
			name:  "no cloud save",
			local: types.SyncMetadata{LastLocalSaveAt: at(0), LastLocalRestoreAt: at(1)},
			want:  None,
		},
		{
			name:  "never restored",
			meta:  &remote.Meta{LastModified: *at(30)},
			local: types.SyncMetadata{LastLocalSaveAt: at(0)},
			want:  None,
		},
		{
			name: "never saved nor restored",
			meta: &remote.Meta{LastModified: *at(30)},
			want: None,
		},
		{
			name:  "cloud newer",
			meta:  &remote.Meta{LastModified: *at(2)},
			local: types.SyncMetadata{LastLocalSaveAt: at(0), LastLocalRestoreAt: at(1)},
			want:  CloudNewer,
		},
		{
			name:  "local newer",
			meta:  &remote.Meta{LastModified: *at(3)},
			local: types.SyncMetadata{LastLocalSaveAt: at(4), LastLocalRestoreAt: at(5)},
			want:  LocalNewer,
		},
		{
			name:  "in step",
			meta:  &remote.Meta{LastModified: *at(5)},
			local: types.SyncMetadata{LastLocalSaveAt: at(5), LastLocalRestoreAt: at(5)},
			want:  None,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.meta, tt.local)
			if got.Kind != tt.want {
				t.Errorf("Classify() = %q, want %q", got.Kind, tt.want)
			}
			if got.Conflict() != (tt.want != None) {
				t.Errorf("Conflict() = %v", got.Conflict())
			}
		})
	}
}

func TestDetector_Check(t *testing.T) {
	dir := t.TempDir()
	flat, err := flatstore.Open(filepath.Join(dir, "flat"))
	if err != nil {
		t.Fatalf("flatstore.Open() failed: %v", err)
	}
	s, err := storage.New(storage.Config{Flat: flat, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}
	ctx := context.Background()
	mem := remote.NewMemory()

	st, err := NewDetector(s, nil, "").Check(ctx)
	if err != nil || st.Conflict() {
		t.Fatalf("unconfigured Check() = %+v, %v", st, err)
	}

	d := NewDetector(s, mem, "u1")
	if st, err := d.Check(ctx); err != nil || st.Conflict() {
		t.Fatalf("Check() without cloud save = %+v, %v", st, err)
	}

	mem.Put(&remote.SaveRecord{UserID: "u1", SaveData: types.NewSnapshot(), LastModified: *at(10)})
	if err := s.RecordRestore(*at(5)); err != nil {
		t.Fatal(err)
	}
	st, err = d.Check(ctx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if st.Kind != CloudNewer {
		t.Errorf("Check() = %q, want %q", st.Kind, CloudNewer)
	}
	if st.CloudLastModified == nil || !st.CloudLastModified.Equal(*at(10)) {
		t.Errorf("CloudLastModified = %v", st.CloudLastModified)
	}

	// The check itself changes nothing.
	md, err := s.SyncMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if md.LastLocalSaveAt != nil || !md.LastLocalRestoreAt.Equal(*at(5)) {
		t.Errorf("sync metadata changed: %+v", md)
	}
}
