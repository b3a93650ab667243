/*
Package config is the configuration service of the proxy.

It merges all .properties and .yml/.yaml files of a directory into one flat
key/value view. Files are read in lexical order of their names, later files
override earlier ones. Nested YAML maps are flattened with dots, so

	db:
	  pool:
	    max_open: 10

becomes the key "db.pool.max_open".

Every key can be overridden from the system environment. The variable name is
the key in upper case with dots and dashes replaced by underscores, e.g.
DB_POOL_MAX_OPEN.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// Service provides typed access to merged configuration values
type Service struct {
	values    map[string]string
	prefix    string
	lookupEnv func(string) (string, bool)
}

// New returns a configuration service for the given values
func New(values map[string]string) *Service {
	s := &Service{values: map[string]string{}, lookupEnv: os.LookupEnv}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Load reads all configuration files from dir. A missing directory yields an
// empty configuration, so that the environment alone can configure the proxy.
func Load(dir string) (*Service, error) {
	s := New(nil)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".properties", ".yml", ".yaml":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, file := range files {
		if err := s.LoadFile(filepath.Join(dir, file)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadFile merges a single .properties or YAML file into the configuration
func (s *Service) LoadFile(path string) error {
	switch filepath.Ext(path) {
	case ".properties":
		p, err := properties.LoadFile(path, properties.UTF8)
		if err != nil {
			return fmt.Errorf("load properties %s: %w", path, err)
		}
		for _, key := range p.Keys() {
			value, _ := p.Get(key)
			s.values[key] = value
		}
	case ".yml", ".yaml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read yaml %s: %w", path, err)
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("parse yaml %s: %w", path, err)
		}
		flatten("", tree, s.values)
	default:
		return fmt.Errorf("unsupported configuration file %s", path)
	}
	return nil
}

func flatten(prefix string, tree map[string]interface{}, values map[string]string) {
	for k, v := range tree {
		key := k
		if len(prefix) > 0 {
			key = prefix + "." + k
		}
		switch value := v.(type) {
		case map[string]interface{}:
			flatten(key, value, values)
		case map[interface{}]interface{}:
			// maps with non-string keys, e.g. numeric pool ids
			tree := make(map[string]interface{}, len(value))
			for k, v := range value {
				tree[fmt.Sprint(k)] = v
			}
			flatten(key, tree, values)
		case []interface{}:
			parts := make([]string, len(value))
			for i := range value {
				parts[i] = fmt.Sprint(value[i])
			}
			values[key] = strings.Join(parts, ",")
		case nil:
			values[key] = ""
		default:
			values[key] = fmt.Sprint(value)
		}
	}
}

// EnvName returns the environment variable which overrides key
func EnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Lookup returns the value for key and whether it is set at all. The
// environment takes precedence over files.
func (s *Service) Lookup(key string) (string, bool) {
	if value, ok := s.lookupEnv(EnvName(s.prefix + key)); ok {
		return value, true
	}
	value, ok := s.values[key]
	return value, ok
}

// String returns the value for key, or def if it is not set
func (s *Service) String(key, def string) string {
	if value, ok := s.Lookup(key); ok {
		return value
	}
	return def
}

// Int returns the integer value for key, or def if it is not set
func (s *Service) Int(key string, def int) (int, error) {
	value, ok := s.Lookup(key)
	if !ok || len(strings.TrimSpace(value)) == 0 {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def, fmt.Errorf("config %s: %w", s.prefix+key, err)
	}
	return i, nil
}

// Bool returns the boolean value for key, or def if it is not set
func (s *Service) Bool(key string, def bool) (bool, error) {
	value, ok := s.Lookup(key)
	if !ok || len(strings.TrimSpace(value)) == 0 {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return def, fmt.Errorf("config %s: %w", s.prefix+key, err)
	}
	return b, nil
}

// Duration returns the duration value for key, or def if it is not set. Plain
// numbers are taken as milliseconds.
func (s *Service) Duration(key string, def time.Duration) (time.Duration, error) {
	value, ok := s.Lookup(key)
	value = strings.TrimSpace(value)
	if !ok || len(value) == 0 {
		return def, nil
	}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(millis) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, fmt.Errorf("config %s: %w", s.prefix+key, err)
	}
	return d, nil
}

// Strings returns the comma separated value for key, or nil if it is not set
func (s *Service) Strings(key string) []string {
	value, ok := s.Lookup(key)
	if !ok {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); len(part) > 0 {
			result = append(result, part)
		}
	}
	return result
}

// Keys returns all keys from files starting with prefix, in lexical order
func (s *Service) Keys(prefix string) []string {
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Sub returns the configuration below prefix. "db" selects all keys starting
// with "db." and strips that prefix. Environment overrides still use the full key.
func (s *Service) Sub(prefix string) *Service {
	prefix = strings.TrimSuffix(prefix, ".") + "."
	sub := &Service{values: map[string]string{}, prefix: s.prefix + prefix, lookupEnv: s.lookupEnv}
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			sub.values[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return sub
}

// Children returns the distinct first key segments below prefix, in lexical order.
// For keys "pools.1.dsn" and "pools.2.dsn", Children("pools") returns ["1", "2"].
func (s *Service) Children(prefix string) []string {
	sub := s.Sub(prefix)
	seen := map[string]bool{}
	var children []string
	for k := range sub.values {
		child := strings.SplitN(k, ".", 2)[0]
		if !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	sort.Strings(children)
	return children
}

// All returns the effective configuration, with environment overrides applied
func (s *Service) All() map[string]string {
	all := map[string]string{}
	for k := range s.values {
		all[k], _ = s.Lookup(k)
	}
	return all
}
