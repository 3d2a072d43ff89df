package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDiscordProcessName(t *testing.T) {
	for _, name := range []string{"Discord", "Discord.exe", "DiscordPTB.exe", "discord-canary", "DiscordCanary"} {
		assert.True(t, IsDiscordProcessName(name), name)
	}
	for _, name := range []string{"", "discordbot", "chrome", "steam.exe"} {
		assert.False(t, IsDiscordProcessName(name), name)
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "d.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, nil, 0644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	assert.Equal(t, 2, cleanOldLogs(dir, 2))

	assert.NoFileExists(t, filepath.Join(dir, "a.log"))
	assert.NoFileExists(t, filepath.Join(dir, "b.log"))
	assert.FileExists(t, filepath.Join(dir, "c.log"))
	assert.FileExists(t, filepath.Join(dir, "d.log"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestInitLogger(t *testing.T) {
	dir := t.TempDir()
	closer, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 3})
	require.NoError(t, err)
	defer closer.Close()

	matches, err := filepath.Glob(filepath.Join(dir, logFilePrefix+"*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)
}
