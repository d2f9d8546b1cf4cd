package flash

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaboot/synaboot/image"
	"github.com/synaboot/synaboot/proto"
)

// Action is what a plan entry does to its LBA range.
type Action int

const (
	// ActionFlash uploads an image and writes it out.
	ActionFlash Action = iota
	// ActionErase clears the range without writing anything.
	ActionErase
)

// Entry is one device-facing step of a flash plan.
type Entry struct {
	Target    string // gpt, b1, b2 or sdN
	Partition string // part-list name, empty for gpt/b1/b2
	Action    Action

	Name string // manifest filename
	File string // resolved path on disk, possibly the .gz sibling
	Size int64  // inflated byte count

	LBA    uint32
	Blocks uint32
	Type   uint32 // upload image type id
	Switch uint32 // hardware partition: 0 user area, 1/2 boot

	// Final marks the terminal erase of the whole plan, which the device
	// may acknowledge by going silent.
	Final bool
}

// Plan is the full, validated sequence of flash steps for one directory.
// Building it touches only the filesystem; a plan that builds cleanly has
// everything it needs before the first frame goes out.
type Plan struct {
	Dir     string
	Entries []Entry
}

// BuildPlan parses the manifests in dir, renders the GPT to gpt.bin and
// lays out the fixed flash order: GPT, boot b1, boot b2, then user
// partitions in part-list order. Any unresolvable image, unknown target or
// partition overflow fails the build.
func BuildPlan(dir string) (*Plan, error) {
	regions, err := ParsePartList(filepath.Join(dir, PartListName))
	if err != nil {
		return nil, err
	}
	images, err := ParseImageList(filepath.Join(dir, ImageListName))
	if err != nil {
		return nil, err
	}

	for target := range images {
		if target == "b1" || target == "b2" {
			continue
		}
		if findRegion(regions, target) == nil {
			ref := images[target][0]
			return nil, &ParseError{
				File:   ImageListName,
				Line:   ref.Line,
				Reason: fmt.Sprintf("target %s has no partition", target),
			}
		}
	}

	gptPath := filepath.Join(dir, GPTImageName)
	gpt := BuildGPT(regions)
	if err := os.WriteFile(gptPath, gpt, 0o644); err != nil {
		return nil, &ParseError{File: GPTImageName, Reason: err.Error()}
	}

	plan := &Plan{Dir: dir}
	plan.Entries = append(plan.Entries, Entry{
		Target: "gpt",
		Name:   GPTImageName,
		File:   gptPath,
		Size:   int64(len(gpt)),
		Blocks: blockCount(int64(len(gpt))),
		Type:   proto.TypeGPT,
	})

	for boot := uint32(1); boot <= 2; boot++ {
		target := fmt.Sprintf("b%d", boot)
		for _, ref := range images[target] {
			e, err := resolveEntry(dir, target, ref)
			if err != nil {
				return nil, err
			}
			e.Type = proto.TypeGPT
			e.Switch = boot
			plan.Entries = append(plan.Entries, *e)
		}
	}

	for _, region := range regions {
		target := fmt.Sprintf("sd%d", region.Index)
		var offset uint32
		for _, ref := range images[target] {
			switch ref.Name {
			case "format":
				continue
			case "erase":
				plan.Entries = append(plan.Entries, Entry{
					Target:    target,
					Partition: region.Name,
					Action:    ActionErase,
					LBA:       region.Start,
					Blocks:    region.Blocks,
				})
				continue
			}

			e, err := resolveEntry(dir, target, ref)
			if err != nil {
				return nil, err
			}
			e.Partition = region.Name
			e.Type = imageTypeForPartition(region.Name)
			e.LBA = region.Start + offset
			if e.LBA+e.Blocks-1 > region.End() {
				return nil, &ParseError{
					File:   ImageListName,
					Line:   ref.Line,
					Reason: fmt.Sprintf("%s overflows %s by %d blocks", ref.Name, region.Name, e.LBA+e.Blocks-1-region.End()),
				}
			}
			plan.Entries = append(plan.Entries, *e)
			offset += e.Blocks
		}
	}

	if n := len(plan.Entries); n > 0 && plan.Entries[n-1].Action == ActionErase {
		plan.Entries[n-1].Final = true
	}
	return plan, nil
}

// resolveEntry locates ref's file in dir and sizes it. A missing file fails
// the whole plan; no entry is ever skipped.
func resolveEntry(dir, target string, ref ImageRef) (*Entry, error) {
	path, _, err := image.Resolve(dir, ref.Name)
	if err != nil {
		return nil, &ParseError{
			File:   ImageListName,
			Line:   ref.Line,
			Reason: fmt.Sprintf("%s: file not found in %s", ref.Name, dir),
		}
	}
	size, err := image.SizeHint(path)
	if err != nil {
		return nil, &ParseError{File: ImageListName, Line: ref.Line, Reason: err.Error()}
	}
	return &Entry{
		Target: target,
		Name:   ref.Name,
		File:   path,
		Size:   size,
		Blocks: blockCount(size),
	}, nil
}

func findRegion(regions []Region, target string) *Region {
	for i := range regions {
		if fmt.Sprintf("sd%d", regions[i].Index) == target {
			return &regions[i]
		}
	}
	return nil
}

func blockCount(size int64) uint32 {
	return uint32((size + proto.BlockSize - 1) / proto.BlockSize)
}
