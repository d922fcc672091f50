package cache

import "context"

type scoped struct {
	inner  Cache
	prefix string
}

// NewScoped returns a view of inner whose keys are namespaced under prefix.
// Used to confine cached expression results to one evaluation context, so
// identical library references evaluated against different inputs never
// collide.
func NewScoped(inner Cache, prefix string) Cache {
	return &scoped{inner: inner, prefix: prefix}
}

func (s *scoped) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	return s.inner.Get(ctx, s.prefix+"|"+key)
}

func (s *scoped) Set(ctx context.Context, key string, value map[string]interface{}) error {
	return s.inner.Set(ctx, s.prefix+"|"+key, value)
}
