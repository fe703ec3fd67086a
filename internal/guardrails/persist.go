package guardrails

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// FilePersister keeps the policy in a JSON or YAML file, chosen by
// extension. Writes go to a temporary file that is renamed into place.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister for path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the backing file.
func (f *FilePersister) Path() string {
	return f.path
}

func (f *FilePersister) isJSON() bool {
	ext := strings.ToLower(filepath.Ext(f.path))
	return ext == ".json" || ext == ".json5"
}

// Load reads the policy. It returns nil, nil when the file does not exist.
// Fields missing from the file keep their default values.
func (f *FilePersister) Load() (*Policy, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	p := DefaultPolicy()
	if f.isJSON() {
		err = json5.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return &p, nil
}

// Save writes the policy atomically.
func (f *FilePersister) Save(p Policy) error {
	var (
		data []byte
		err  error
	)
	if f.isJSON() {
		data, err = json.MarshalIndent(p, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(p)
	}
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
