package evertask

import "sync"

// Registry holds handler registrations keyed by task type. Both the
// dispatcher (to resolve a target queue at dispatch time) and the executor
// (to resolve the handler factory, retry policy, and timeout at run time)
// share one instance, owned by Engine.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]*HandlerRegistration
}

func NewRegistry() *Registry {
	return &Registry{regs: map[string]*HandlerRegistration{}}
}

// Register binds reg.TaskType to reg, replacing any prior registration for
// the same type.
func (r *Registry) Register(reg HandlerRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := reg
	r.regs[reg.TaskType] = &cp
}

func (r *Registry) Lookup(taskType string) (*HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[taskType]
	return reg, ok
}
