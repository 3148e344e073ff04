package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extensions the codec package can decode without ImageMagick.
var imageExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".webp": {},
	".gif":  {},
}

// Multi-layer formats read through ImageMagick.
var layeredExts = map[string]struct{}{
	".xcf":  {},
	".psd":  {},
	".tif":  {},
	".tiff": {},
}

// ImageExts returns the flat image extensions in a stable order.
func ImageExts() []string {
	exts := make([]string, 0, len(imageExts))
	for ext := range imageExts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// IsImageFile checks if a file is a flat image format.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsLayeredFile checks if a file may hold several layers.
func IsLayeredFile(path string) bool {
	_, ok := layeredExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// FirstExisting returns the first path that exists as a regular file.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// WithStem lists dir/<stem><ext> for every image extension.
func WithStem(dir, stem string) []string {
	exts := ImageExts()
	paths := make([]string, 0, len(exts))
	for _, ext := range exts {
		paths = append(paths, filepath.Join(dir, stem+ext))
	}
	return paths
}
