package ark

import (
	"sync"
	"sync/atomic"
)

const unhealthyMessage = "Arklowdun needs to finish a database update before it can save changes. " +
	"Run the repair tool (arklowdun repair) or the migration tool, then try again."

// Gate is the process-wide writability gate. It caches the status of the
// most recent health report and carries the maintenance flag that destructive
// operations hold while they replace the database underneath everyone else.
type Gate struct {
	mu          sync.RWMutex
	status      string
	summary     string
	maintenance atomic.Bool
	holder      atomic.Value
}

// NewGate returns a gate with no health report yet; writes are refused
// until SetHealth records an "ok" status.
func NewGate() *Gate {
	return &Gate{}
}

// SetHealth records the status of the latest health report.
func (g *Gate) SetHealth(status, summary string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
	g.summary = summary
}

// Health returns the cached status and summary.
func (g *Gate) Health() (string, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status, g.summary
}

// CheckWritable returns nil when a mutating operation may proceed.
func (g *Gate) CheckWritable() error {
	if g.maintenance.Load() {
		op, _ := g.holder.Load().(string)
		return New(CodeMaintenance, "database maintenance is in progress").With("operation", op)
	}
	status, summary := g.Health()
	if status != "ok" {
		err := New(CodeDBUnhealthy, unhealthyMessage)
		if summary != "" {
			err.With("health", summary)
		}
		return err
	}
	return nil
}

// BeginMaintenance raises the maintenance flag for op. The returned func
// clears it. A second acquisition while the flag is held fails.
func (g *Gate) BeginMaintenance(op string) (func(), error) {
	if !g.maintenance.CompareAndSwap(false, true) {
		held, _ := g.holder.Load().(string)
		return nil, New(CodeMaintenance, "database maintenance is already in progress").With("operation", held)
	}
	g.holder.Store(op)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.holder.Store("")
			g.maintenance.Store(false)
		})
	}, nil
}

// InMaintenance reports whether the maintenance flag is held.
func (g *Gate) InMaintenance() bool {
	return g.maintenance.Load()
}
