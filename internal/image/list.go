package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListEntry describes one image file under a pool's images/ directory
// (spec.md §6 `--list-images`, supplemented: the distilled spec names the
// operation but not its output — this mirrors zpool's main.go convention
// of one reporting struct per listed item).
type ListEntry struct {
	Name     string
	Kind     string // "raw", "qcow2", "clone", or "unknown"
	Size     int64
	Modified string
}

// List reports every non-directory entry directly under <poolDir>/images
// whose name does not start with ".", sorted by name.
func List(poolDir string) ([]ListEntry, error) {
	dir := filepath.Join(poolDir, "images")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("image: listing %s: %w", dir, err)
	}

	var out []ListEntry
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("image: statting %s: %w", e.Name(), err)
		}
		out = append(out, ListEntry{
			Name:     e.Name(),
			Kind:     kindOf(e.Name()),
			Size:     info.Size(),
			Modified: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func kindOf(name string) string {
	switch {
	case strings.HasPrefix(name, "clone-"):
		return "clone"
	case strings.HasSuffix(name, ".qcow2"):
		return "qcow2"
	case strings.HasSuffix(name, ".raw"):
		return "raw"
	default:
		return "unknown"
	}
}
