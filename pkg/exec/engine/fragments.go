package engine

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/qiyongbo/starrocks/pkg/exec/pipeline"
	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// fragmentManager tracks the fragment instances of the engine from
// submission until their final report was handled.
type fragmentManager struct {
	mu        sync.Mutex
	fragments map[ulid.ULID]*pipeline.FragmentContext
}

func newFragmentManager() *fragmentManager {
	return &fragmentManager{fragments: make(map[ulid.ULID]*pipeline.FragmentContext)}
}

// reserve claims id for a fragment that is about to be created.
func (m *fragmentManager) reserve(id ulid.ULID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fragments[id]; ok {
		return status.Errorf(status.CodeContractViolation, "fragment instance %s already exists", id)
	}
	m.fragments[id] = nil
	return nil
}

func (m *fragmentManager) register(f *pipeline.FragmentContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments[f.InstanceID()] = f
}

// Unregister implements [report.Cleaner].
func (m *fragmentManager) Unregister(id ulid.ULID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fragments, id)
}

func (m *fragmentManager) get(id ulid.ULID) (*pipeline.FragmentContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.fragments[id]
	return f, f != nil
}

// running returns the registered fragments that have not finished yet.
func (m *fragmentManager) running() []*pipeline.FragmentContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*pipeline.FragmentContext
	for _, f := range m.fragments {
		if f != nil && !f.Finished() {
			out = append(out, f)
		}
	}
	return out
}

func (m *fragmentManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fragments)
}
