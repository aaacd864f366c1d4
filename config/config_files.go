package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// findFiles returns every yaml file found at path in lexical order. A file named directly
// by path is used whatever its extension, files found while walking a directory must end
// in .yaml or .yml.
func findFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)
	return files, nil
}

func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if f, ok := checkFile(path, direct); ok {
			return []string{f}, nil
		}
		return nil, nil
	}

	names, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, name := range names {
		found, err := resolve(filepath.Join(path, name), false)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	return files, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)
	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
