package flash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaboot/synaboot/proto"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParsePartListLaysOutRegions(t *testing.T) {
	path := writeManifest(t, t.TempDir(), PartListName, `
# name, startMB, sizeMB
sysmgr,    48, 8
tzk,        0, 2
bl_normal, 0x40, 4
recovery, 200, 0
rootfs,   256, 64
`)

	regions, err := ParsePartList(path)
	require.NoError(t, err)
	require.Len(t, regions, 4)

	sysmgr := regions[0]
	assert.Equal(t, "sysmgr", sysmgr.Name)
	assert.Equal(t, 1, sysmgr.Index)
	assert.Equal(t, uint32(48*2048), sysmgr.Start)
	assert.Equal(t, uint32(8*2048), sysmgr.Blocks)

	// A zero start packs the region right after the previous one.
	tzk := regions[1]
	assert.Equal(t, sysmgr.End()+1, tzk.Start)
	assert.Equal(t, uint32(2*2048), tzk.Blocks)

	// Hex starts are accepted.
	assert.Equal(t, uint32(0x40*2048), regions[2].Start)

	// recovery has size zero and is dropped; rootfs keeps its own index.
	assert.Equal(t, "rootfs", regions[3].Name)
	assert.Equal(t, 4, regions[3].Index)
	assert.Equal(t, uint32(256*2048), regions[3].Start)
}

func TestParsePartListWhitespaceSeparated(t *testing.T) {
	path := writeManifest(t, t.TempDir(), PartListName, "cache 16 4\n")

	regions, err := ParsePartList(path)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, uint32(16*2048), regions[0].Start)
}

func TestParsePartListMalformedLineFails(t *testing.T) {
	path := writeManifest(t, t.TempDir(), PartListName, "sysmgr, 48, 8\ntzk 12\n")

	_, err := ParsePartList(path)
	require.ErrorIs(t, err, ErrManifest)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PartListName, pe.File)
	assert.Equal(t, 2, pe.Line)
}

func TestParsePartListBadNumberFails(t *testing.T) {
	path := writeManifest(t, t.TempDir(), PartListName, "sysmgr, x48, 8\n")

	_, err := ParsePartList(path)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Line)
	assert.Contains(t, pe.Reason, "bad start")
}

func TestParsePartListOverlapFails(t *testing.T) {
	path := writeManifest(t, t.TempDir(), PartListName, "alpha, 10, 10\nbeta, 15, 10\n")

	_, err := ParsePartList(path)
	require.ErrorIs(t, err, ErrManifest)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Line)
	assert.Contains(t, pe.Reason, "beta overlaps alpha")
}

func TestParseImageListTargets(t *testing.T) {
	path := writeManifest(t, t.TempDir(), ImageListName, `
bl.subimg, b1
bl.subimg, b2
sysmgr.bin, sd1
rootfs.subimg, sd3
erase, sd3
`)

	list, err := ParseImageList(path)
	require.NoError(t, err)
	assert.Len(t, list, 4)
	require.Len(t, list["sd3"], 2)
	assert.Equal(t, "rootfs.subimg", list["sd3"][0].Name)
	assert.Equal(t, "erase", list["sd3"][1].Name)
	assert.Equal(t, "bl.subimg", list["b1"][0].Name)
}

func TestParseImageListAliasAndDedup(t *testing.T) {
	path := writeManifest(t, t.TempDir(), ImageListName, "rootfs_s.subimg, sd2\nrootfs.subimg.gz, sd2\n")

	list, err := ParseImageList(path)
	require.NoError(t, err)
	require.Len(t, list["sd2"], 1)
	assert.Equal(t, "rootfs.subimg.gz", list["sd2"][0].Name)
}

func TestParseImageListUnknownTargetFails(t *testing.T) {
	for _, target := range []string{"sd0", "mmc", "b3"} {
		path := writeManifest(t, t.TempDir(), ImageListName, "x.img, "+target+"\n")

		_, err := ParseImageList(path)
		require.ErrorIs(t, err, ErrManifest, "target %s", target)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 1, pe.Line)
		assert.Contains(t, pe.Reason, "unknown target")
	}
}

func TestParseImageListEmptyFails(t *testing.T) {
	path := writeManifest(t, t.TempDir(), ImageListName, "# nothing here\n")

	_, err := ParseImageList(path)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Line)
	assert.Contains(t, pe.Reason, "no flash targets")
}

func TestImageTypeForPartition(t *testing.T) {
	assert.Equal(t, uint32(proto.TypeSM), imageTypeForPartition("sysmgr"))
	assert.Equal(t, uint32(proto.TypeBL), imageTypeForPartition("bl_normal"))
	assert.Equal(t, uint32(proto.TypeTZK), imageTypeForPartition("tzk"))
	assert.Equal(t, uint32(proto.TypeGPT), imageTypeForPartition("rootfs"))
	// The M52 bootloader partition is not the application-core one.
	assert.Equal(t, uint32(proto.TypeGPT), imageTypeForPartition("m52bl"))
}
