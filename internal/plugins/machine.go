// Package plugins holds the pluggable policy seams of the monitor: which
// cloud images become machines, which users are valid, and whether an
// allocation override applies. Implementations are selected by name from
// the plugin config at startup and injected explicitly; nothing in here is
// looked up ambiently at call time.
package plugins

import (
	"strings"

	"github.com/npurcella/atmosphere/internal/cloud"
)

// MachineValidator decides whether a cloud image should be represented in
// the lifecycle store at all. Rejected images are skipped by the machine
// pass, never end-dated.
type MachineValidator interface {
	Name() string
	Validate(image *cloud.Image) bool
}

// sanityCheck applies the baseline filters every validator shares: the
// image must exist, be active, and not be a kernel/ramdisk artifact.
func sanityCheck(image *cloud.Image) bool {
	if image == nil {
		return false
	}
	if !strings.EqualFold(image.Status, "active") {
		return false
	}
	switch strings.ToLower(image.Get("container_format")) {
	case "aki", "ari":
		return false
	}
	return true
}

// BasicValidator admits every sane image.
type BasicValidator struct{}

func (BasicValidator) Name() string { return "basic" }

func (BasicValidator) Validate(image *cloud.Image) bool {
	return sanityCheck(image)
}

// BlacklistValidator rejects images carrying the exclude tag.
type BlacklistValidator struct {
	// Key is the metadata key marking excluded images.
	Key string
}

const defaultExcludeKey = "atmo_image_exclude"

func (v BlacklistValidator) Name() string { return "blacklist" }

func (v BlacklistValidator) Validate(image *cloud.Image) bool {
	if !sanityCheck(image) {
		return false
	}
	key := v.Key
	if key == "" {
		key = defaultExcludeKey
	}
	return image.Get(key) == ""
}

// WhitelistValidator admits only images carrying the include tag.
type WhitelistValidator struct {
	Key string
}

const defaultIncludeKey = "atmo_image_include"

func (v WhitelistValidator) Name() string { return "whitelist" }

func (v WhitelistValidator) Validate(image *cloud.Image) bool {
	if !sanityCheck(image) {
		return false
	}
	key := v.Key
	if key == "" {
		key = defaultIncludeKey
	}
	return image.Get(key) != ""
}

// CyverseValidator is the production policy: sane, not an instance
// snapshot, and not excluded.
type CyverseValidator struct {
	ExcludeKey string
}

const snapshotPrefix = "ChromoSnapShot"

func (v CyverseValidator) Name() string { return "cyverse" }

func (v CyverseValidator) Validate(image *cloud.Image) bool {
	if !sanityCheck(image) {
		return false
	}
	if strings.HasPrefix(image.Name, snapshotPrefix) {
		return false
	}
	return BlacklistValidator{Key: v.ExcludeKey}.Validate(image)
}
