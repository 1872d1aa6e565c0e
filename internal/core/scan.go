package core

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{".pgm": true, ".pnm": true, ".txt": true, ".tif": true, ".tiff": true}

// Scan lists measurement files under root. A directory holding result
// sheets contributes only its .rslt files; images there are read through
// the sheets. Other directories contribute their bare images. A root that
// is a file is returned as is.
func Scan(root string) ([]string, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !st.IsDir() {
		return []string{root}, nil
	}

	sheets := make(map[string][]string)
	images := make(map[string][]string)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		dir := filepath.Dir(path)
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case ext == ".rslt":
			sheets[dir] = append(sheets[dir], path)
		case imageExts[ext]:
			images[dir] = append(images[dir], path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var out []string
	for _, files := range sheets {
		out = append(out, files...)
	}
	for dir, files := range images {
		if _, ok := sheets[dir]; !ok {
			out = append(out, files...)
		}
	}
	sort.Strings(out)
	return out, nil
}
