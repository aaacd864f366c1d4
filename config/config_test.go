package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/hgfs/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	require.NoError(t, c.LoadString("server:\n  workers: 4\n"))
	assert.Equal(t, 4, c.GetInt("server.workers", 1))

	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))
}

func TestConfig_LoadDirectory(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("server:\n  workers: 2\nchannel:\n  type: stream\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("server:\n  workers: 8\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("server:\n  workers: 99\n"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "03.yaml"), []byte("logging:\n  level: debug\n"), 0o600))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 8, c.GetInt("server.workers", 1))
	assert.Equal(t, "stream", c.GetString("channel.type", ""))
	assert.Equal(t, "debug", c.GetString("logging.level", "info"))
	assert.Len(t, c.files, 3)

	// A file named directly is used whatever its extension
	c = NewC(l)
	require.NoError(t, c.Load(filepath.Join(dir, "ignored.txt")))
	assert.Equal(t, 99, c.GetInt("server.workers", 1))

	assert.Error(t, NewC(l).Load(filepath.Join(dir, "missing.yaml")))
	assert.Error(t, NewC(l).Load(t.TempDir()), "an empty directory has no config")
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["channel"] = map[string]any{"stream": map[string]any{"listen": "127.0.0.1:0"}}
	assert.Equal(t, "127.0.0.1:0", c.Get("channel.stream.listen"))
	assert.True(t, c.IsSet("channel.stream"))

	assert.Nil(t, c.Get("channel.guest"))
	assert.Nil(t, c.Get("channel.stream.listen.deeper"))
	assert.False(t, c.IsSet("nope"))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	for v, expected := range map[any]bool{
		true: true, "true": true, "Y": true, "yEs": true,
		false: false, "false": false, "N": false, "nO": false,
	} {
		c.Settings["bool"] = v
		assert.Equal(t, expected, c.GetBool("bool", !expected), "value %v", v)
	}

	c.Settings["bool"] = "maybe"
	assert.True(t, c.GetBool("bool", true))
}

func TestConfig_GetNumbers(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	c.Settings["n"] = 12
	assert.Equal(t, 12, c.GetInt("n", 0))
	assert.Equal(t, uint32(12), c.GetUint32("n", 0))

	c.Settings["n"] = -1
	assert.Equal(t, uint32(7), c.GetUint32("n", 7))

	c.Settings["n"] = "twelve"
	assert.Equal(t, 3, c.GetInt("n", 3))

	c.Settings["d"] = "1500ms"
	assert.Equal(t, 1500*time.Millisecond, c.GetDuration("d", 0))
	c.Settings["d"] = "soon"
	assert.Equal(t, time.Second, c.GetDuration("d", time.Second))
}

func TestConfig_GetByteSize(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	v, err := c.GetByteSize("size", 64)
	require.NoError(t, err)
	assert.Equal(t, int64(64), v)

	for in, expected := range map[any]int64{
		4096:     4096,
		"512":    512,
		"512b":   512,
		"4KiB":   4 << 10,
		"4k":     4 << 10,
		"16 MiB": 16 << 20,
		"2MB":    2 << 20,
		"1GiB":   1 << 30,
	} {
		c.Settings["size"] = in
		v, err := c.GetByteSize("size", 0)
		require.NoError(t, err, "value %v", in)
		assert.Equal(t, expected, v, "value %v", in)
	}

	c.Settings["size"] = "lots"
	_, err = c.GetByteSize("size", 0)
	assert.ErrorContains(t, err, "size: invalid byte size")

	c.Settings["size"] = "-1k"
	_, err = c.GetByteSize("size", 0)
	assert.Error(t, err)
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))
	assert.True(t, c.InitialLoad())

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("outer:\n  inner: hi\n"), 0o600))
	c := NewC(l)
	require.NoError(t, c.Load(path))

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, os.WriteFile(path, []byte("outer:\n  inner: ho\n"), 0o600))
	c.ReloadConfig()
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload callback was not called")
	}

	// A broken file keeps the previous settings
	require.NoError(t, os.WriteFile(path, []byte(" invalid yaml"), 0o600))
	c.ReloadConfig()
	assert.Equal(t, "ho", c.GetString("outer.inner", ""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	require.NoError(t, c.LoadString("buffers:\n  max_outstanding: 1MiB\n"))

	called := 0
	c.RegisterReloadCallback(func(c *C) {
		called++
		assert.True(t, c.HasChanged("buffers.max_outstanding"))
	})

	require.NoError(t, c.ReloadConfigString("buffers:\n  max_outstanding: 2MiB\n"))
	assert.Equal(t, 1, called)

	assert.Error(t, c.ReloadConfigString(""))
	assert.Equal(t, 1, called)
}
