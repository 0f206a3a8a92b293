package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

// ExtractFilenames walks root recursively and returns the sorted paths of
// all files whose base name matches pattern (filepath.Match syntax, e.g.
// "*.png"). Sorting keeps raw and reference lists aligned when the two trees
// mirror each other.
func ExtractFilenames(root, pattern string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return fmt.Errorf("pipeline: bad file pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pipeline: no files matching %q under %s", pattern, root)
	}
	sort.Strings(files)
	return files, nil
}
