package process

import (
	lru "github.com/hashicorp/golang-lru"
)

// Resolver answers pid lookups from procfs, keeping recent answers in an
// LRU cache. Processes that are gone are not cached, so a later process
// reusing the pid is read fresh.
type Resolver struct {
	cache    *lru.Cache
	procRoot string
}

// NewResolver creates a size-constrained resolver over procRoot.
func NewResolver(size int, procRoot string) (*Resolver, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	return &Resolver{
		cache:    cache,
		procRoot: procRoot,
	}, nil
}

// Resolve implements InfoResolver.
func (r *Resolver) Resolve(pid uint32) (*Info, bool) {
	if v, ok := r.cache.Get(pid); ok {
		return v.(*Info), true
	}

	info := &Info{}
	if !CollectProcMetadata(r.procRoot, pid, info) {
		return nil, false
	}
	r.cache.Add(pid, info)
	return info, true
}

// Forget drops a cached pid.
func (r *Resolver) Forget(pid uint32) {
	r.cache.Remove(pid)
}

// Len returns the number of cached processes.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
