package importer

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks live importers for the admin surface and the metrics
// collector.
type Registry struct {
	importers *xsync.MapOf[string, *Importer]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		importers: xsync.NewMapOf[string, *Importer](),
	}
}

// Register adds or replaces an importer under its name.
func (r *Registry) Register(imp *Importer) {
	r.importers.Store(imp.Name(), imp)
}

// Unregister removes an importer.
func (r *Registry) Unregister(name string) {
	r.importers.Delete(name)
}

// Get returns the named importer.
func (r *Registry) Get(name string) (*Importer, bool) {
	return r.importers.Load(name)
}

// Each calls fn for every registered importer.
func (r *Registry) Each(fn func(imp *Importer)) {
	r.importers.Range(func(_ string, imp *Importer) bool {
		fn(imp)
		return true
	})
}

// StopAll stops every registered importer.
func (r *Registry) StopAll() {
	r.Each(func(imp *Importer) {
		imp.Stop()
	})
}

// RunningImporters counts importers in the running state.
func (r *Registry) RunningImporters() int {
	count := 0
	r.Each(func(imp *Importer) {
		if imp.State() == StateRunning {
			count++
		}
	})
	return count
}

// InFlightRecords sums the window sizes currently being applied.
func (r *Registry) InFlightRecords() int {
	total := 0
	r.Each(func(imp *Importer) {
		total += imp.InFlight()
	})
	return total
}
