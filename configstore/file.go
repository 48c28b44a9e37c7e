package configstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"gopkg.in/yaml.v3"
)

// FileMode is applied to every file the store writes.
const FileMode fs.FileMode = 0o640

// FileStore is a ConfigStore rooted at a directory.
type FileStore struct {
	root string
	log  *slog.Logger
}

var _ interfaces.ConfigStore = (*FileStore)(nil)

func NewFileStore(root string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{root: root, log: log}
}

func (s *FileStore) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.root, name)
}

func (s *FileStore) Load(name string) (interfaces.Document, bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return interfaces.Document{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	doc, err := decode(name, data)
	if err != nil {
		return nil, true, err
	}
	return doc, true, nil
}

func (s *FileStore) Merge(name string, update interfaces.Document) (bool, error) {
	cur, exists, err := s.Load(name)
	if err != nil {
		return false, err
	}
	merged := MergeSections(cur, update)
	return s.writeIfChanged(name, cur, exists, merged)
}

func (s *FileStore) Replace(name string, doc interfaces.Document) (bool, error) {
	cur, exists, err := s.Load(name)
	if err != nil {
		return false, err
	}
	return s.writeIfChanged(name, cur, exists, doc)
}

func (s *FileStore) CreateIfMissing(name string, doc interfaces.Document) (bool, error) {
	if _, err := os.Stat(s.Path(name)); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	data, err := encode(name, doc)
	if err != nil {
		return false, err
	}
	if err := s.write(name, data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Covers(name string, update interfaces.Document) (bool, error) {
	cur, exists, err := s.Load(name)
	if err != nil || !exists {
		return false, err
	}
	return equalDocs(name, cur, MergeSections(cur, update))
}

func (s *FileStore) ReadSecret(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	return data, true, nil
}

func (s *FileStore) WriteSecret(name string, data []byte) (bool, error) {
	cur, exists, err := s.ReadSecret(name)
	if err != nil {
		return false, err
	}
	if exists && bytes.Equal(cur, data) {
		// Content matches; still tighten permissions left by other writers.
		if err := os.Chmod(s.Path(name), FileMode); err != nil {
			return false, fmt.Errorf("chmod %s: %w", name, err)
		}
		return false, nil
	}
	if err := s.write(name, data); err != nil {
		return false, err
	}
	s.log.Info("Wrote secret file", slog.String("path", s.Path(name)))
	return true, nil
}

func (s *FileStore) MergeEnv(name string, vars map[string]string) (bool, error) {
	path := s.Path(name)
	cur := map[string]string{}
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if exists {
		var err error
		cur, err = godotenv.Read(path)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", name, err)
		}
	}

	merged := maps.Clone(cur)
	for k, v := range vars {
		if v == "" {
			continue
		}
		merged[k] = v
	}
	if exists && maps.Equal(cur, merged) {
		return false, nil
	}

	content, err := godotenv.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := s.write(name, []byte(content+"\n")); err != nil {
		return false, err
	}
	return true, nil
}

// EnvCovers reports whether the env file already holds every non-empty value of vars.
func (s *FileStore) EnvCovers(name string, vars map[string]string) (bool, error) {
	cur, err := godotenv.Read(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	for k, v := range vars {
		if v != "" && cur[k] != v {
			return false, nil
		}
	}
	return true, nil
}

func (s *FileStore) writeIfChanged(name string, cur interfaces.Document, exists bool, next interfaces.Document) (bool, error) {
	if exists {
		same, err := equalDocs(name, cur, next)
		if err != nil {
			return false, err
		}
		if same {
			s.log.Debug("Document unchanged", slog.String("path", s.Path(name)))
			return false, nil
		}
	}
	data, err := encode(name, next)
	if err != nil {
		return false, err
	}
	if err := s.write(name, data); err != nil {
		return false, err
	}
	s.log.Info("Wrote configuration", slog.String("path", s.Path(name)))
	return true, nil
}

func (s *FileStore) write(name string, data []byte) error {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// MergeSections returns a copy of cur with every top-level section of update merged in.
// Map-valued sections are merged key by key; any other value replaces the current one.
func MergeSections(cur, update interfaces.Document) interfaces.Document {
	out := make(interfaces.Document, len(cur)+len(update))
	for k, v := range cur {
		out[k] = v
	}
	for section, v := range update {
		next, ok := asMap(v)
		if !ok {
			out[section] = v
			continue
		}
		existing, ok := asMap(out[section])
		if !ok {
			out[section] = next
			continue
		}
		merged := make(map[string]any, len(existing)+len(next))
		maps.Copy(merged, existing)
		maps.Copy(merged, next)
		out[section] = merged
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return m, true
	case interfaces.Document:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func equalDocs(name string, a, b interfaces.Document) (bool, error) {
	ea, err := encode(name, a)
	if err != nil {
		return false, err
	}
	eb, err := encode(name, b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}

func decode(name string, data []byte) (interfaces.Document, error) {
	doc := interfaces.Document{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	switch ext(name) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported document format: %s", name)
	}
	if doc == nil {
		doc = interfaces.Document{}
	}
	return doc, nil
}

func encode(name string, doc interfaces.Document) ([]byte, error) {
	if doc == nil {
		doc = interfaces.Document{}
	}
	switch ext(name) {
	case ".yaml", ".yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any(doc)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		return buf.Bytes(), nil
	case ".json":
		data, err := json.MarshalIndent(map[string]any(doc), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported document format: %s", name)
	}
}

func ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
