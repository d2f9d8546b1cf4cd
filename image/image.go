// Package image resolves and opens firmware image files. Images may sit on
// disk gzip-compressed; uploads need the inflated byte count up front, so a
// compressed image is inflated to a scratch file before streaming.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Resolve picks the on-disk file for an image inside dir. A compressed
// sibling wins over the plain file when both exist.
func Resolve(dir, name string) (path string, compressed bool, err error) {
	gz := filepath.Join(dir, name+".gz")
	if _, err := os.Stat(gz); err == nil {
		return gz, true, nil
	}
	plain := filepath.Join(dir, name)
	if _, err := os.Stat(plain); err == nil {
		return plain, false, nil
	}
	return "", false, fmt.Errorf("image %s: %w", filepath.Join(dir, name), os.ErrNotExist)
}

// ResolvePath applies the compressed-sibling rule to an explicit path: when
// path does not name a .gz file but a .gz sibling exists, the sibling wins.
func ResolvePath(path string) string {
	if strings.HasSuffix(path, ".gz") {
		return path
	}
	if _, err := os.Stat(path + ".gz"); err == nil {
		return path + ".gz"
	}
	return path
}

// SizeHint reports the inflated byte count of the image at path without
// reading it whole: plain files are statted, gzip files yield the ISIZE
// trailer. The trailer stores the length modulo 2^32, so the hint is only
// trustworthy for images below 4 GiB.
func SizeHint(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return st.Size(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if st.Size() < 18 {
		return 0, fmt.Errorf("%s: truncated gzip file", path)
	}
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return 0, err
	}
	if magic[0] != 0x1F || magic[1] != 0x8B {
		return 0, fmt.Errorf("%s: not a gzip file", path)
	}
	trailer := make([]byte, 4)
	if _, err := f.ReadAt(trailer, st.Size()-4); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint32(trailer)), nil
}

// Image is an open, inflated image ready for streaming.
type Image struct {
	Name string
	Size int64

	f       *os.File
	scratch bool
}

// Open resolves name inside dir and opens it for streaming.
func Open(dir, name string) (*Image, error) {
	path, _, err := Resolve(dir, name)
	if err != nil {
		return nil, err
	}
	img, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	img.Name = name
	return img, nil
}

// OpenFile opens a single image by explicit path. A .gz suffix selects
// inflation to a scratch file, anything else streams as-is.
func OpenFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(path, ".gz") {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		return &Image{Name: filepath.Base(path), Size: st.Size(), f: f}, nil
	}

	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp("", "synaboot-*.img")
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(tmp, zr)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("inflate %s: %w", path, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &Image{
		Name:    strings.TrimSuffix(filepath.Base(path), ".gz"),
		Size:    size,
		f:       tmp,
		scratch: true,
	}, nil
}

// Path returns the file actually being streamed, the scratch file for
// compressed images.
func (im *Image) Path() string { return im.f.Name() }

func (im *Image) Read(p []byte) (int, error) { return im.f.Read(p) }

// Close releases the image and removes its scratch file, if any.
func (im *Image) Close() error {
	err := im.f.Close()
	if im.scratch {
		if rerr := os.Remove(im.f.Name()); err == nil {
			err = rerr
		}
	}
	return err
}
