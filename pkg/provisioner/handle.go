package provisioner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
)

const handleSeparator = "/lun-"

var leafPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// VolumeHandle identifies an exposed volume. Only Name and LUN are part of
// the external identifier; the other fields are filled in by the
// provisioner when it knows them.
type VolumeHandle struct {
	Name string
	LUN  int

	Path      string
	Size      int64
	TargetID  int
	TargetIQN string
	ExtentID  int
	MappingID int
}

// ID returns the external form, <extent-name>/lun-<n>.
func (h VolumeHandle) ID() string {
	return h.Name + handleSeparator + strconv.Itoa(h.LUN)
}

func (h VolumeHandle) String() string {
	return h.ID()
}

// ParseHandle is the inverse of VolumeHandle.ID.
func ParseHandle(id string) (VolumeHandle, error) {
	name, lun, ok := strings.Cut(id, handleSeparator)
	if !ok {
		return VolumeHandle{}, fmt.Errorf("volume handle %q must be <name>%s<n>", id, handleSeparator)
	}
	n, err := strconv.Atoi(lun)
	if err != nil || n < 0 || n > client.MaxLUN {
		return VolumeHandle{}, fmt.Errorf("volume handle %q: LUN must be 0-%d", id, client.MaxLUN)
	}
	if err := checkLeaf(name); err != nil {
		return VolumeHandle{}, fmt.Errorf("volume handle %q: %w", id, err)
	}
	return VolumeHandle{Name: name, LUN: n}, nil
}

// GenerateName returns a fresh leaf name for requests that carry none.
func GenerateName() string {
	return "vol-" + uuid.NewString()
}

func checkLeaf(name string) error {
	if len(name) > client.MaxExtentNameLength || !leafPattern.MatchString(name) {
		return fmt.Errorf("name %q must match %s and be at most %d characters", name, leafPattern, client.MaxExtentNameLength)
	}
	return nil
}
