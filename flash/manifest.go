package flash

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/synaboot/synaboot/proto"
)

const (
	// PartListName and ImageListName are the manifest files expected inside
	// an image directory.
	PartListName  = "emmc_part_list"
	ImageListName = "emmc_image_list"

	lbasPerMB = (1 << 20) / proto.BlockSize
)

// Region is one eMMC user-area partition materialized to an LBA range.
type Region struct {
	Name   string
	Index  int // 1-based, the N in the image list's sdN target
	Start  uint32
	Blocks uint32

	line int
}

// End returns the last LBA of the region, inclusive.
func (r Region) End() uint32 { return r.Start + r.Blocks - 1 }

// ParsePartList reads the partition table manifest. Each line is
// `name, startMB, sizeMB`, comma or whitespace separated, `#` comments and
// blank lines skipped. A zero startMB places the region right after the
// previous one; a zero sizeMB drops the entry. The first malformed line or
// any pairwise overlap fails the parse.
func ParsePartList(path string) ([]Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{File: filepath.Base(path), Reason: err.Error()}
	}
	defer f.Close()

	file := filepath.Base(path)
	var regions []Region
	var prevEnd uint64

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := splitFields(line)
		if len(fields) < 3 {
			return nil, &ParseError{File: file, Line: n, Reason: fmt.Sprintf("want `name, startMB, sizeMB`, got %q", line)}
		}

		startMB, err := strconv.ParseUint(fields[1], 0, 32)
		if err != nil {
			return nil, &ParseError{File: file, Line: n, Reason: fmt.Sprintf("bad start %q", fields[1])}
		}
		sizeMB, err := strconv.ParseUint(fields[2], 0, 32)
		if err != nil {
			return nil, &ParseError{File: file, Line: n, Reason: fmt.Sprintf("bad size %q", fields[2])}
		}
		if sizeMB == 0 {
			continue
		}

		start := startMB * lbasPerMB
		if startMB == 0 {
			start = prevEnd + 1
		}
		blocks := sizeMB * lbasPerMB
		prevEnd = start + blocks - 1

		regions = append(regions, Region{
			Name:   fields[0],
			Index:  len(regions) + 1,
			Start:  uint32(start),
			Blocks: uint32(blocks),
			line:   n,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{File: file, Reason: err.Error()}
	}

	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Start <= regions[j].End() && regions[j].Start <= regions[i].End() {
				return nil, &ParseError{
					File:   file,
					Line:   regions[j].line,
					Reason: fmt.Sprintf("%s overlaps %s", regions[j].Name, regions[i].Name),
				}
			}
		}
	}
	return regions, nil
}

// splitFields splits a manifest line on commas, falling back to whitespace
// for comma-less lines.
func splitFields(line string) []string {
	var fields []string
	if strings.Contains(line, ",") {
		for _, f := range strings.Split(line, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		return fields
	}
	return strings.Fields(line)
}

// ImageRef is one image-list entry bound for a target.
type ImageRef struct {
	Name string // image filename, or the `erase`/`format` pseudo-entries
	Line int
}

// ImageList maps flash targets (`b1`, `b2`, `sdN`) to their images in
// manifest order.
type ImageList map[string][]ImageRef

// ParseImageList reads the image assignment manifest. Each line is
// `filename, target`; `#` comments and blank lines are skipped; the first
// malformed line fails the parse. Duplicate filenames within one target
// collapse to the first occurrence. The `rootfs_s.subimg` secure-variant
// alias is rewritten to `rootfs.subimg.gz`.
func ParseImageList(path string) (ImageList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{File: filepath.Base(path), Reason: err.Error()}
	}
	defer f.Close()

	file := filepath.Base(path)
	list := make(ImageList)

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := splitFields(line)
		if len(fields) < 2 {
			return nil, &ParseError{File: file, Line: n, Reason: fmt.Sprintf("want `filename, target`, got %q", line)}
		}

		name := fields[0]
		if strings.Contains(name, "rootfs_s.subimg") {
			name = "rootfs.subimg.gz"
		}
		target := strings.ToLower(fields[1])
		if !validTarget(target) {
			return nil, &ParseError{File: file, Line: n, Reason: fmt.Sprintf("unknown target %q", target)}
		}

		if containsRef(list[target], name) {
			continue
		}
		list[target] = append(list[target], ImageRef{Name: name, Line: n})
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{File: file, Reason: err.Error()}
	}

	if len(list) == 0 {
		return nil, &ParseError{File: file, Reason: "no flash targets defined"}
	}
	return list, nil
}

func validTarget(t string) bool {
	if t == "b1" || t == "b2" {
		return true
	}
	if n, ok := strings.CutPrefix(t, "sd"); ok {
		idx, err := strconv.Atoi(n)
		return err == nil && idx >= 1
	}
	return false
}

func containsRef(refs []ImageRef, name string) bool {
	for _, r := range refs {
		if r.Name == name {
			return true
		}
	}
	return false
}

// imageTypeForPartition derives the upload image type id from the partition
// name, matching the device's expectations for each payload kind.
func imageTypeForPartition(name string) uint32 {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "sysmgr"):
		return proto.TypeSM
	case strings.Contains(n, "bl") && !strings.Contains(n, "m52"):
		return proto.TypeBL
	case strings.Contains(n, "tzk"):
		return proto.TypeTZK
	default:
		return proto.TypeGPT
	}
}
