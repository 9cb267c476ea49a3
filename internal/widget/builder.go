package widget

import "sync"

// Builder memoizes BuildDocument by configuration value, so hosts that rebuild
// their view on every state change get a stable document without regenerating
// it. Safe for concurrent use.
type Builder struct {
	mu    sync.Mutex
	cache map[Config]string
}

// NewBuilder creates an empty memoizing builder.
func NewBuilder() *Builder {
	return &Builder{cache: make(map[Config]string)}
}

// Document returns the bridge document for cfg, building it on first use.
func (b *Builder) Document(cfg Config) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc, ok := b.cache[cfg]; ok {
		return doc
	}
	doc := BuildDocument(cfg)
	b.cache[cfg] = doc
	return doc
}
