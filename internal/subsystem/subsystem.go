// Package subsystem implements the dependency-ordered startup/shutdown
// sequencer that brings up the data plane's subsystems (bdev, scsi,
// vhost, nvmf, rpc) in the order their declared dependencies require,
// and tears them down in the reverse order, mirroring the
// spdk_subsystem_init / spdk_subsystem_fini list SPDK's application
// framework drives at startup and shutdown.
package subsystem

import (
	"fmt"

	"github.com/dataplane-run/datapath/internal/errs"
)

// Subsystem is one named, orderable component of the data plane.
type Subsystem struct {
	Name      string
	DependsOn []string
	Init      func() error
	Fini      func()
}

// Registry holds the set of subsystems to sequence.
type Registry struct {
	subsystems map[string]Subsystem
	order      []string // insertion order, used to break dependency ties deterministically
}

// NewRegistry creates an empty subsystem registry.
func NewRegistry() *Registry {
	return &Registry{subsystems: make(map[string]Subsystem)}
}

// Register adds s to the registry. Registering the same name twice is
// an error.
func (r *Registry) Register(s Subsystem) error {
	if _, exists := r.subsystems[s.Name]; exists {
		return errs.New("subsystem", "register", errs.ErrCodeAlreadyExists, fmt.Sprintf("subsystem %q already registered", s.Name))
	}
	r.subsystems[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// InitOrder topologically sorts the registered subsystems so every
// subsystem appears after everything it DependsOn, breaking ties by
// registration order for determinism.
func (r *Registry) InitOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(r.subsystems))
	var order []string

	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return errs.New("subsystem", "init_order", errs.ErrCodeInvalidArgument, fmt.Sprintf("dependency cycle detected: %v", append(chain, name)))
		}
		s, ok := r.subsystems[name]
		if !ok {
			return errs.New("subsystem", "init_order", errs.ErrCodeNotFound, fmt.Sprintf("unknown dependency %q", name))
		}
		state[name] = visiting
		for _, dep := range s.DependsOn {
			if err := visit(dep, append(chain, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range r.order {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InitAll runs every registered subsystem's Init function in dependency
// order. If any Init fails, every already-initialized subsystem is torn
// down in reverse order before returning the error, mirroring SPDK's
// all-or-nothing subsystem startup.
func (r *Registry) InitAll() error {
	order, err := r.InitOrder()
	if err != nil {
		return err
	}

	var initialized []string
	for _, name := range order {
		s := r.subsystems[name]
		if s.Init != nil {
			if err := s.Init(); err != nil {
				r.finiInOrder(reverse(initialized))
				return errs.Wrap("subsystem", "init_all", errs.ErrCodeFatal, err)
			}
		}
		initialized = append(initialized, name)
	}
	return nil
}

// FiniAll tears down every registered subsystem in reverse dependency
// order, mirroring spdk_subsystem_fini's shutdown sequence.
func (r *Registry) FiniAll() {
	order, err := r.InitOrder()
	if err != nil {
		return
	}
	r.finiInOrder(reverse(order))
}

func (r *Registry) finiInOrder(names []string) {
	for _, name := range names {
		s := r.subsystems[name]
		if s.Fini != nil {
			s.Fini()
		}
	}
}

func reverse(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
