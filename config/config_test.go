package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redep", "config.toml")

	s, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, s.All())

	require.NoError(t, s.Set(KeySecret, "s3cr3t"))
	require.NoError(t, s.Set(KeyWorkingDir, "/srv/app"))
	require.NoError(t, s.Set("custom", "value"))
	require.Error(t, s.Set(KeyServerPort, "not-a-port"))
	require.Error(t, s.Set("", "x"))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	v, ok := reopened.Get(KeySecret)
	assert.True(t, ok)
	assert.Equal(t, "s3cr3t", v)
	assert.Equal(t, []string{"custom", KeySecret, KeyWorkingDir}, reopened.Keys())

	require.NoError(t, reopened.Delete("custom"))
	_, ok = reopened.Get("custom")
	assert.False(t, ok)

	require.NoError(t, reopened.Clear())
	reopened, err = Open(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.All())
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is = = not toml"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	require.NoError(t, s.Set(KeySecret, "from-config"))
	require.NoError(t, s.Set(KeyWorkingDir, "/from/config"))
	require.NoError(t, s.Set(KeyServerPort, "4000"))

	env := map[string]string{
		"SECRET_KEY":     "from-env",
		"DEPLOY_COMMAND": "make deploy",
		"WORKING_DIR":    "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	settings, err := Resolve(s, lookup)
	require.NoError(t, err)
	assert.Equal(t, Settings{
		Secret:        "from-env",
		WorkingDir:    "/from/config",
		Port:          4000,
		DeployCommand: "make deploy",
	}, settings)

	settings, err = Resolve(nil, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, settings.Port)
	assert.Equal(t, "", settings.DeployCommand)

	_, err = Resolve(nil, func(k string) (string, bool) { return "99999", k == "SERVER_PORT" })
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("REDEP_TEST_DOTENV=loaded\nREDEP_TEST_PRESET=dotenv\n"), 0o600))
	t.Setenv("REDEP_TEST_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("REDEP_TEST_DOTENV") })

	path, err := LoadDotEnv(sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".env"), path)
	assert.Equal(t, "loaded", os.Getenv("REDEP_TEST_DOTENV"))
	assert.Equal(t, "env", os.Getenv("REDEP_TEST_PRESET"))
}
