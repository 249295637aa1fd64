package main

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateConfig points the config directory at a temp dir and clears every
// CHATSYNC_* override for the test.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)
	for _, k := range configKeys {
		if k.env != "" {
			t.Setenv(k.env, "")
		}
	}
	return dir
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    string
	}{
		{key: "default.transport", value: "ws"},
		{key: "default.transport", value: "grpc", wantErr: "transport must be sse or ws"},
		{key: "default.log_level", value: "debug"},
		{key: "default.log_level", value: "verbose", wantErr: "not a valid logrus Level"},
		{key: "auth.email", value: "ada@example.com"},
		{key: "auth.password", value: "x", wantErr: `unknown field "password"`},
		{key: "server.port", value: "1", wantErr: "unknown config section"},
		{key: "transport", value: "ws", wantErr: "dot notation"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEffectiveValues(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com", Transport: "ws"},
		Auth:    ConfigAuth{Token: "abcdefghijklmnopqrstuvwxyz", UserID: "u1"},
	}
	env := map[string]string{"CHATSYNC_TRANSPORT": "grpc"}
	values := effectiveValues(cfg, func(k string) string { return env[k] })

	byKey := map[string]configValue{}
	for _, v := range values {
		byKey[v.key.name] = v
	}
	assert.Equal(t, "config.toml", byKey["default.base_url"].source)
	assert.Equal(t, "grpc", byKey["default.transport"].value)
	assert.Equal(t, "CHATSYNC_TRANSPORT", byKey["default.transport"].source)
	assert.Equal(t, "unset", byKey["default.db"].source)

	problems := checkConfig(values)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `default.transport "grpc" (CHATSYNC_TRANSPORT)`)

	var out bytes.Buffer
	printConfig(&out, values, problems)
	assert.Contains(t, out.String(), "abcdefgh...wxyz")
	assert.NotContains(t, out.String(), cfg.Auth.Token)
	assert.Contains(t, out.String(), "warning: default.transport")
}

func TestCheckConfig(t *testing.T) {
	check := func(cfg *Config) []string {
		return checkConfig(effectiveValues(cfg, func(string) string { return "" }))
	}

	problems := check(&Config{})
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "default.base_url is not set")

	assert.Empty(t, check(&Config{Default: ConfigDefault{BaseURL: "http://localhost:8090"}}))

	problems = check(&Config{
		Default: ConfigDefault{BaseURL: "localhost:8090", LogLevel: "loud"},
		Auth:    ConfigAuth{Token: "tok"},
	})
	require.Len(t, problems, 3)
	assert.Contains(t, problems[0], "not an http(s) URL")
	assert.Contains(t, problems[1], "default.log_level")
	assert.Contains(t, problems[2], "without auth.user_id")
}

func TestConfigFile(t *testing.T) {
	dir := isolateConfig(t)

	path, err := configPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), path)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "default.transport", "sse"))
	require.NoError(t, saveConfig(cfg))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	t.Setenv("CHATSYNC_TRANSPORT", "ws")
	effective, err := loadEffectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws", effective.Default.Transport)
	assert.Equal(t, "https://chat.example.com", effective.Default.BaseURL)

	t.Setenv("CHATSYNC_TRANSPORT", "grpc")
	_, err = loadEffectiveConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_TRANSPORT")
}

func TestConfigShowCommand(t *testing.T) {
	isolateConfig(t)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(io.Discard)
		rootCmd.SetArgs(args)
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("config", "set", "default.base_url", "https://chat.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Set default.base_url = https://chat.example.com")

	out, err = run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "https://chat.example.com")
	assert.Regexp(t, `default\.transport\s+sse\s+default`, out)

	t.Setenv("CHATSYNC_TRANSPORT", "grpc")
	out, err = run("config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 problem(s)")
	assert.Contains(t, out, "warning: default.transport")
}
