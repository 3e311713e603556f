package env

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// AoeRecordFile is the file Flush writes under the dump graph path.
const AoeRecordFile = "aoe_ops.yaml"

// AoeManager collects the operators launched while autotune is enabled so an
// offline tuner can pick them up.
type AoeManager struct {
	mu       sync.Mutex
	enabled  bool
	dumpPath string
	ops      []string
	seen     map[string]struct{}
}

func NewAoeManager() *AoeManager {
	return &AoeManager{dumpPath: "./", seen: make(map[string]struct{})}
}

func (a *AoeManager) EnableAoe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
}

func (a *AoeManager) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *AoeManager) SetDumpGraphPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dumpPath = path
}

func (a *AoeManager) DumpGraphPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dumpPath
}

// Record notes op once. It does nothing while autotune is disabled.
func (a *AoeManager) Record(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	if _, ok := a.seen[op]; ok {
		return
	}
	a.seen[op] = struct{}{}
	a.ops = append(a.ops, op)
}

// Ops returns the recorded operators in first-seen order.
func (a *AoeManager) Ops() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.ops)
}

type aoeRecord struct {
	Ops []string `yaml:"ops"`
}

// Flush writes the recorded operators to the dump graph path. It is a no-op
// when autotune was never enabled or nothing was recorded.
func (a *AoeManager) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled || len(a.ops) == 0 {
		return nil
	}
	data, err := yaml.Marshal(aoeRecord{Ops: a.ops})
	if err != nil {
		return fmt.Errorf("encode autotune record: %w", err)
	}
	path := filepath.Join(a.dumpPath, AoeRecordFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write autotune record: %w", err)
	}
	log.Info().Str("path", path).Int("ops", len(a.ops)).Msg("Wrote autotune record")
	return nil
}
