// Package conflict detects, at startup, whether this device and the cloud
// save have diverged. It only reports; resolution goes through cloudsync.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leveling/leveling/internal/remote"
	"github.com/leveling/leveling/internal/storage"
	"github.com/leveling/leveling/internal/types"
)

// Kind classifies a divergence.
type Kind string

const (
	// None: no divergence, or not enough history to tell.
	None Kind = ""
	// CloudNewer: the cloud changed after this device last restored.
	CloudNewer Kind = "cloud_newer"
	// LocalNewer: this device saved after the cloud last changed.
	LocalNewer Kind = "local_newer"
)

// Status is the outcome of a check, with the timestamps it was based on.
type Status struct {
	Kind              Kind       `json:"type"`
	CloudLastModified *time.Time `json:"cloudLastModified,omitempty"`
	CloudLastSave     *time.Time `json:"cloudLastSave,omitempty"`
	LocalLastSave     *time.Time `json:"localLastSave,omitempty"`
	LocalLastRestore  *time.Time `json:"localLastRestore,omitempty"`
}

// Conflict reports whether a divergence was found.
func (s *Status) Conflict() bool {
	return s != nil && s.Kind != None
}

// Classify compares remote metadata with local sync history. A nil meta
// means there is no cloud save. Devices that never restored are never in
// conflict.
func Classify(meta *remote.Meta, local types.SyncMetadata) *Status {
	st := &Status{
		LocalLastSave:    local.LastLocalSaveAt,
		LocalLastRestore: local.LastLocalRestoreAt,
	}
	if meta == nil {
		return st
	}
	cloud := meta.LastModified
	st.CloudLastModified = &cloud
	st.CloudLastSave = meta.LastSave

	if local.LastLocalRestoreAt == nil {
		return st
	}
	switch {
	case cloud.After(*local.LastLocalRestoreAt):
		st.Kind = CloudNewer
	case local.LastLocalSaveAt != nil && local.LastLocalSaveAt.After(cloud):
		st.Kind = LocalNewer
	}
	return st
}

// Detector runs the startup check.
type Detector struct {
	store  *storage.Store
	remote remote.Remote
	userID string
}

// NewDetector returns a detector. A nil remote or empty user id makes every
// check report no conflict.
func NewDetector(store *storage.Store, r remote.Remote, userID string) *Detector {
	return &Detector{store: store, remote: r, userID: userID}
}

// Check fetches the cloud timestamps and classifies them. It never changes
// local or remote state.
func (d *Detector) Check(ctx context.Context) (*Status, error) {
	local, err := d.store.SyncMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if d.remote == nil || d.userID == "" {
		return Classify(nil, local), nil
	}

	meta, err := d.remote.FetchMeta(ctx, d.userID)
	if errors.Is(err, remote.ErrNotFound) {
		return Classify(nil, local), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cloud metadata: %w", err)
	}
	return Classify(meta, local), nil
}
