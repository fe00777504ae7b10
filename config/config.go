package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/guseggert/redep/internal/files"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	KeyServerURL     = "server_url"
	KeySecret        = "secret_key"
	KeyWorkingDir    = "working_dir"
	KeyServerPort    = "server_port"
	KeyDeployCommand = "deploy_command"
)

const DefaultPort = 3000

// envKeys maps config keys to the environment variables that override them.
var envKeys = map[string]string{
	KeyServerURL:     "SERVER_URL",
	KeySecret:        "SECRET_KEY",
	KeyWorkingDir:    "WORKING_DIR",
	KeyServerPort:    "SERVER_PORT",
	KeyDeployCommand: "DEPLOY_COMMAND",
}

// KnownKeys lists the keys redep reads, in display order.
var KnownKeys = []string{KeyServerURL, KeySecret, KeyWorkingDir, KeyServerPort, KeyDeployCommand}

// Dir returns the directory redep keeps its state in, creating it if needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	dir := filepath.Join(base, "redep")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Store is a flat key/value store persisted as a TOML file.
// The file holds the secret, so it is written with 0600 permissions.
type Store struct {
	path   string
	values map[string]string
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]string{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(b, &s.values); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key must not be empty")
	}
	if key == KeyServerPort {
		if _, err := parsePort(value); err != nil {
			return err
		}
	}
	s.values[key] = value
	return s.save()
}

func (s *Store) Delete(key string) error {
	delete(s.values, key)
	return s.save()
}

func (s *Store) Clear() error {
	s.values = map[string]string{}
	return s.save()
}

// All returns a copy of every stored value.
func (s *Store) All() map[string]string {
	all := make(map[string]string, len(s.values))
	for k, v := range s.values {
		all[k] = v
	}
	return all
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) save() error {
	b, err := toml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// LoadDotEnv loads the nearest .env file at or above dir into the environment.
// Variables that are already set win. It returns the file loaded, or "" if there was none.
func LoadDotEnv(dir string) (string, error) {
	path, err := files.FindUp(".env", dir)
	if err != nil || path == "" {
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	return path, nil
}

// Settings is the resolved configuration.
type Settings struct {
	ServerURL     string
	Secret        string
	WorkingDir    string
	Port          int
	// DeployCommand is empty if unset; the agent falls back to its default.
	DeployCommand string
}

// Resolve merges the store with the environment. Environment variables take precedence.
// lookupEnv is usually os.LookupEnv.
func Resolve(s *Store, lookupEnv func(string) (string, bool)) (Settings, error) {
	get := func(key string) string {
		if v, ok := lookupEnv(envKeys[key]); ok && v != "" {
			return v
		}
		if s != nil {
			if v, ok := s.Get(key); ok {
				return v
			}
		}
		return ""
	}

	settings := Settings{
		ServerURL:     get(KeyServerURL),
		Secret:        get(KeySecret),
		WorkingDir:    get(KeyWorkingDir),
		Port:          DefaultPort,
		DeployCommand: get(KeyDeployCommand),
	}
	if p := get(KeyServerPort); p != "" {
		port, err := parsePort(p)
		if err != nil {
			return Settings{}, err
		}
		settings.Port = port
	}
	return settings, nil
}

// EnvName returns the environment variable that overrides key, if any.
func EnvName(key string) string {
	return envKeys[key]
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
