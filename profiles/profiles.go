// Package profiles supplies named, CSV-backed volume-geometry presets, the
// way the teacher's disks package supplies named physical disk geometries.
//
// Grounded on disks/disks.go (DiskGeometry, the embedded-CSV-plus-init()
// load pattern, GetPredefinedDiskGeometry's lookup-by-slug shape). That
// file's own loader was left as a "TODO: Implement load and search
// functions" stub with its CSV data file never checked in (its
// `//go:embed` directive even has a stray leading space, so it wouldn't
// build as written); this package finishes that pattern for real, against
// SplitFAT's own geometry fields instead of physical disk geometry.
package profiles

import (
	"fmt"
	"io"
	"strings"

	_ "embed"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// VolumeProfile is a named preset for layout.Descriptor's tunable fields.
type VolumeProfile struct {
	Name                    string `csv:"name"`
	Slug                    string `csv:"slug"`
	ClusterSize             uint32 `csv:"cluster_size"`
	BytesPerBlock           uint32 `csv:"bytes_per_block"`
	MaxBlocksCount          uint32 `csv:"max_blocks_count"`
	FirstFileDataBlockIndex uint32 `csv:"first_file_data_block_index"`
	Notes                   string `csv:"notes"`
}

// ToDescriptor returns a fresh layout.Descriptor with this profile's
// geometry applied over the documented defaults.
func (p VolumeProfile) ToDescriptor() layout.Descriptor {
	d := layout.NewDefault()
	d.ClusterSize = p.ClusterSize
	d.BytesPerBlock = p.BytesPerBlock
	d.MaxBlocksCount = p.MaxBlocksCount
	d.FirstFileDataBlockIndex = p.FirstFileDataBlockIndex
	return d
}

//go:embed volume-profiles.csv
var profilesRawCSV string

var profilesBySlug map[string]VolumeProfile

// GetPredefinedProfile looks up a volume profile by its slug.
func GetPredefinedProfile(slug string) (VolumeProfile, errors.Error) {
	profile, ok := profilesBySlug[slug]
	if !ok {
		return VolumeProfile{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no predefined volume profile exists with slug %q", slug))
	}
	return profile, nil
}

// ListPredefinedProfiles returns every loaded profile, in no particular
// order.
func ListPredefinedProfiles() []VolumeProfile {
	out := make([]VolumeProfile, 0, len(profilesBySlug))
	for _, p := range profilesBySlug {
		out = append(out, p)
	}
	return out
}

func init() {
	profilesBySlug = make(map[string]VolumeProfile)
	reader := strings.NewReader(profilesRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row VolumeProfile) error {
		if _, exists := profilesBySlug[row.Slug]; exists {
			return fmt.Errorf("duplicate definition for volume profile %q", row.Slug)
		}
		profilesBySlug[row.Slug] = row
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}
