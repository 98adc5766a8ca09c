// Package definition loads workflow templates from YAML, validates them, and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagegate/model"
)

// Loader scans directories for YAML template files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a TemplateFile.
func (l *Loader) LoadAll(directories []string) ([]model.TemplateFile, error) {
	var files []model.TemplateFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) (model.TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.TemplateFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	f, err := l.Parse(data)
	if err != nil {
		return model.TemplateFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	f.SourceFile = path
	return f, nil
}

// Parse decodes template YAML from memory.
func (l *Loader) Parse(data []byte) (model.TemplateFile, error) {
	var f model.TemplateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.TemplateFile{}, err
	}
	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return f, nil
}
