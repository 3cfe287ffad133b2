package iscsi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const attachmentSuffix = ".json"

// Attachment records which target a staged volume logged in to. CHAP
// secrets are never written.
type Attachment struct {
	VolumeID string   `json:"volumeId"`
	IQN      string   `json:"iqn"`
	Portals  []string `json:"portals"`
	LUN      int      `json:"lun"`
}

// Attachments keeps one record per staged volume under dir, so unstage
// can tell whether a target session is still used after a restart.
type Attachments struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

func NewAttachments(fs afero.Fs, dir string) *Attachments {
	return &Attachments{fs: fs, dir: dir}
}

func (a *Attachments) path(volumeID string) string {
	return filepath.Join(a.dir, url.PathEscape(volumeID)+attachmentSuffix)
}

// Save writes the record for att.VolumeID, replacing any earlier one.
func (a *Attachments) Save(att Attachment) error {
	data, err := json.Marshal(att)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fs.MkdirAll(a.dir, 0o750); err != nil {
		return fmt.Errorf("create attachment directory: %w", err)
	}
	path := a.path(att.VolumeID)
	tmp := path + ".tmp"
	if err := afero.WriteFile(a.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write attachment %s: %w", att.VolumeID, err)
	}
	if err := a.fs.Rename(tmp, path); err != nil {
		a.fs.Remove(tmp)
		return fmt.Errorf("write attachment %s: %w", att.VolumeID, err)
	}
	return nil
}

// Remove deletes the record of volumeID and returns it. ok is false when
// the volume had no record.
func (a *Attachments) Remove(volumeID string) (att Attachment, ok bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.path(volumeID)
	data, err := afero.ReadFile(a.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return att, false, nil
	}
	if err != nil {
		return att, false, fmt.Errorf("read attachment %s: %w", volumeID, err)
	}
	if err := json.Unmarshal(data, &att); err != nil {
		return att, false, fmt.Errorf("decode attachment %s: %w", volumeID, err)
	}
	if err := a.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return att, false, fmt.Errorf("remove attachment %s: %w", volumeID, err)
	}
	return att, true, nil
}

// InUse reports whether any recorded volume is attached through iqn.
// Unreadable records count as in use.
func (a *Attachments) InUse(iqn string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries, err := afero.ReadDir(a.fs, a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("list attachments: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), attachmentSuffix) {
			continue
		}
		data, err := afero.ReadFile(a.fs, filepath.Join(a.dir, e.Name()))
		if err != nil {
			return true, fmt.Errorf("read attachment %s: %w", e.Name(), err)
		}
		var att Attachment
		if err := json.Unmarshal(data, &att); err != nil {
			return true, fmt.Errorf("decode attachment %s: %w", e.Name(), err)
		}
		if att.IQN == iqn {
			return true, nil
		}
	}
	return false, nil
}
