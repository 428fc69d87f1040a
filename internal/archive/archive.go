package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	// maxEntries bounds how many files a single upload may contain.
	maxEntries = 1024

	// maxEntryBytes and maxTotalBytes bound the uncompressed size of a
	// single entry and of the whole archive. Both guard against zip
	// bombs; the compressed upload itself is capped at the HTTP edge.
	maxEntryBytes = 8 << 20
	maxTotalBytes = 64 << 20
)

var (
	ErrTooManyEntries = errors.New("archive: too many entries")
	ErrTooLarge       = errors.New("archive: uncompressed size exceeds limit")
	ErrUnsafePath     = errors.New("archive: entry path escapes extraction root")
)

// ExtractZip unpacks a zip archive into destDir. Entry paths are
// validated so no file lands outside destDir; symlinks and other
// non-regular entries are skipped.
func ExtractZip(r io.ReaderAt, size int64, destDir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	if len(zr.File) > maxEntries {
		return ErrTooManyEntries
	}

	root := filepath.Clean(destDir)
	var total int64
	for _, f := range zr.File {
		if f.Name == "" {
			continue
		}
		cleanName := filepath.Clean(f.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return ErrUnsafePath
		}
		target := filepath.Join(root, cleanName)
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return ErrUnsafePath
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating dir: %w", err)
			}
		case mode.IsRegular():
			if f.UncompressedSize64 > maxEntryBytes {
				return ErrTooLarge
			}
			n, err := writeEntry(f, target)
			if err != nil {
				return err
			}
			total += n
			if total > maxTotalBytes {
				return ErrTooLarge
			}
		default:
			// symlinks, devices and the like never make it onto disk
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent dir: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("opening entry: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}

	// Copy one byte past the cap so an entry lying about its
	// uncompressed size is still caught.
	n, err := io.Copy(dst, io.LimitReader(src, maxEntryBytes+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing file: %w", err)
	}
	if n > maxEntryBytes {
		return n, ErrTooLarge
	}
	return n, nil
}
