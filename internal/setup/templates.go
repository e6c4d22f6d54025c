package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const templateMarker = "config.py"

// Templates lists the template names under dir. A template is a directory
// holding a config.py. A missing dir yields no templates.
func Templates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), templateMarker)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PrepopOptions lists the prepopulate choices a template offers: one
// "template:<name>" per sub-directory of the template. Only names Templates
// reports are read.
func PrepopOptions(dir, template string) ([]string, error) {
	ok, err := knownTemplate(dir, template)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidRequest, template)
	}
	entries, err := os.ReadDir(filepath.Join(dir, template))
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", template, err)
	}
	var opts []string
	for _, e := range entries {
		if e.IsDir() {
			opts = append(opts, "template:"+template+"/"+e.Name())
		}
	}
	sort.Strings(opts)
	return opts, nil
}

func knownTemplate(dir, name string) (bool, error) {
	names, err := Templates(dir)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
