package option

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SetGet(t *testing.T) {
	r := NewRegistry()
	var seen []string
	r.Register("jitCompile", func(v string) error {
		seen = append(seen, v)
		return nil
	})

	_, ok := r.Get("jitCompile")
	assert.False(t, ok, "unset option has no value")

	require.NoError(t, r.Set("jitCompile", "disable"))
	v, ok := r.Get("jitCompile")
	assert.True(t, ok)
	assert.Equal(t, "disable", v)
	assert.Equal(t, []string{"disable"}, seen)

	err := r.Set("noSuchOption", "x")
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestRegistry_HookSeesStoredValue(t *testing.T) {
	r := NewRegistry()
	var inHook string
	r.Register("a", func(string) error {
		inHook, _ = r.Get("a")
		return nil
	})
	require.NoError(t, r.Set("a", "1"))
	assert.Equal(t, "1", inHook, "value is stored before the hook runs")
}

func TestRegistry_HookError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("bad value")
	r.Register("a", func(string) error { return boom })

	err := r.Set("a", "x")
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, `a="x"`)
}

func TestRegistry_ReRegisterReplacesHook(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("a", func(string) error { calls += 10; return nil })
	r.Register("a", func(string) error { calls++; return nil })
	require.NoError(t, r.Set("a", "x"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestRegistry_InitFromEnv(t *testing.T) {
	r := NewRegistry()
	hookRan := false
	r.Register("bmmv2_enable", func(string) error { hookRan = true; return nil }, FromEnv())
	r.Register("jitCompile", nil)

	env := map[string]string{"bmmv2_enable": "1", "jitCompile": "disable"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	r.InitFromEnv(lookup)

	v, ok := r.Get("bmmv2_enable")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.False(t, hookRan, "env seeding does not fire hooks")

	_, ok = r.Get("jitCompile")
	assert.False(t, ok, "only FromEnv options read the environment")

	env["bmmv2_enable"] = "0"
	r.InitFromEnv(lookup)
	v, _ = r.Get("bmmv2_enable")
	assert.Equal(t, "1", v, "environment is read once")
}

func TestRegistry_BoolFunc(t *testing.T) {
	r := NewRegistry()
	r.Register("bmmv2_enable", nil)
	r.Register("MM_BMM_ND_ENABLE", nil)

	enabled := r.BoolFunc("bmmv2_enable", "0", "1")
	assert.False(t, enabled())
	require.NoError(t, r.Set("bmmv2_enable", "1"))
	assert.True(t, enabled())

	ndDisabled := r.BoolFuncOnce("MM_BMM_ND_ENABLE", "enable", "disable")
	assert.False(t, ndDisabled())
	require.NoError(t, r.Set("MM_BMM_ND_ENABLE", "disable"))
	assert.False(t, ndDisabled(), "cached after first evaluation")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	r.Register("a", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Set("a", "x")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Get("a")
				r.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"a": "x"}, r.Snapshot())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	content := "ALLOW_MATMUL_HF32: enable\nALLOW_CONV_HF32: disable\nbmmv2_enable: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Setting{
		{Name: "ALLOW_MATMUL_HF32", Value: "enable"},
		{Name: "ALLOW_CONV_HF32", Value: "disable"},
		{Name: "bmmv2_enable", Value: "1"},
	}, settings, "file order is preserved")

	_, err = Parse([]byte("- a\n- b\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("a: [1, 2]\n"))
	assert.Error(t, err)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	r := NewRegistry()
	var order []string
	for _, s := range settings {
		name := s.Name
		r.Register(name, func(string) error { order = append(order, name); return nil })
	}
	require.NoError(t, r.Apply(settings))
	assert.Equal(t, []string{"ALLOW_MATMUL_HF32", "ALLOW_CONV_HF32", "bmmv2_enable"}, order)
}
