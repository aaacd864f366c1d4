package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of every config file found at the loaded path.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads every yaml file at path, a file or a directory, and merges them in lexical order.
// Lists are appended, later files win for scalar values.
func (c *C) Load(path string) error {
	files, err := findFiles(path)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	return c.parse()
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parseRaw([]byte(raw))
}

// RegisterReloadCallback stores a function to be called after a successful reload. Use
// HasChanged to decide whether the reload concerns the caller. Callbacks run in the
// reloading go routine and should return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad is true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged compares the yaml encoding of k before and after the last reload. An empty k
// compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from disk every time the process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = old
	c.runCallbacks()
}

func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.oldSettings = old
	c.runCallbacks()
	return nil
}

func (c *C) snapshot() map[string]any {
	m := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		m[k] = v
	}
	return m
}

func (c *C) runCallbacks() {
	for _, f := range c.callbacks {
		f(c)
	}
}

// GetString returns k formatted as a string or d when k is not set.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt returns k as an int or d when k is not set or not a number.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

// GetUint32 returns k as a uint32 or d when k is not set or out of range.
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool understands yaml booleans plus y/yes/n/no in any case.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

// GetDuration parses k with time.ParseDuration, returning d when unset or invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetByteSize reads sizes written as a plain number of bytes or with a KiB, MiB or GiB
// suffix (KB, MB and GB are accepted as the same binary units). Returns d when unset, and
// an error when set but unparsable.
func (c *C) GetByteSize(k string, d int64) (int64, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}

	v, err := ParseByteSize(fmt.Sprintf("%v", r))
	if err != nil {
		return d, fmt.Errorf("%s: %w", k, err)
	}
	return v, nil
}

var byteUnits = []struct {
	suffix string
	shift  uint
}{
	{"kib", 10}, {"mib", 20}, {"gib", 30},
	{"kb", 10}, {"mb", 20}, {"gb", 30},
	{"k", 10}, {"m", 20}, {"g", 30},
	{"b", 0},
}

func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	shift := uint(0)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			shift = u.shift
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}

	if v < 0 || v > math.MaxInt64>>shift {
		return 0, fmt.Errorf("byte size %q out of range", s)
	}
	return v << shift, nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}

func (c *C) parseRaw(b []byte) error {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}

func (c *C) parse() error {
	var m map[string]any

	for _, path := range c.files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		// Later files override earlier ones, lists from every file are kept
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
	return nil
}
