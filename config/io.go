package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// FullReader is source of config files, real or in-memory for tests.
type FullReader interface {
	Normalize(name string) string
	// nil,nil = not found
	ReadAll(path string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader(basePath string) (*OsFullReader, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errors.Annotatef(err, "filepath.Abs() path=%s", basePath)
	}
	return &OsFullReader{base: abs}, nil
}

func (r *OsFullReader) SetBase(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		r.base = abs
	}
}

func (r *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Clean(filepath.Join(r.base, name))
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (m *MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (m *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := m.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
