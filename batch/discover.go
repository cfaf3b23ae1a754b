package batch

import (
	"os"
	"path/filepath"
	"strings"
)

// Subfolder is one unit of work: an immediate subdirectory of the input root.
type Subfolder struct {
	Name string
	Path string
}

// Discover lists the immediate subdirectories of root sorted by name, so that
// repeated runs over the same tree visit items in the same order. Symlinks to
// directories count as subfolders.
func Discover(root string) ([]Subfolder, error) {
	// os.ReadDir returns entries sorted by filename
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var subfolders []Subfolder
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if !isDir(path, e) {
			continue
		}
		subfolders = append(subfolders, Subfolder{Name: e.Name(), Path: path})
	}
	return subfolders, nil
}

// SelectImage returns the name of the first file in dir, in name order, that
// ends with one of exts (compared case-insensitively; exts must be lowercase).
// It returns "" when dir holds no such file.
func SelectImage(dir string, exts []string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if isDir(filepath.Join(dir, e.Name()), e) {
			continue
		}
		if hasExtension(e.Name(), exts) {
			return e.Name(), nil
		}
	}
	return "", nil
}

func hasExtension(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isDir(path string, e os.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// RemoteName is the name an image from subfolder is uploaded under.
func RemoteName(subfolder, filename string) string {
	return subfolder + "_" + filename
}

// OutputName is the name a returned file is written under. The subfolder
// prefix keeps outputs of different items apart even when the server hands
// back identical file names.
func OutputName(subfolder, filename string) string {
	return subfolder + "_" + filename
}
