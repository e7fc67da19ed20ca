package stream

import (
	"fmt"
	"log/slog"
	"sync"
)

// SourceFactory builds the upstream Source for a chain endpoint. It must
// not perform I/O.
type SourceFactory func(chain, endpoint string) (Source, error)

type streamKey struct {
	chain    string
	endpoint string
}

// Registry hands out one Stream per (chain, endpoint). Streams leave the
// registry only when disconnected or removed explicitly.
type Registry struct {
	factory SourceFactory
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[streamKey]*Stream
}

func NewRegistry(factory SourceFactory, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		opts:    opts,
		logger:  logger,
		streams: make(map[streamKey]*Stream),
	}
}

// Get returns the stream for (chain, endpoint), creating it on first use.
// The returned stream is not connected.
func (r *Registry) Get(chain, endpoint string) (*Stream, error) {
	key := streamKey{chain: chain, endpoint: endpoint}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[key]; ok {
		return s, nil
	}

	source, err := r.factory(chain, endpoint)
	if err != nil {
		return nil, fmt.Errorf("event source for %s: %w", chain, err)
	}
	s := New(chain, endpoint, source, r.opts, r.logger)
	s.onDispose = func() { r.forget(key, s) }
	r.streams[key] = s
	return s, nil
}

func (r *Registry) forget(key streamKey, s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[key] == s {
		delete(r.streams, key)
	}
}

// Remove disconnects and evicts the stream for (chain, endpoint).
func (r *Registry) Remove(chain, endpoint string) bool {
	key := streamKey{chain: chain, endpoint: endpoint}
	r.mu.Lock()
	s, ok := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()

	if ok {
		s.Disconnect()
	}
	return ok
}

// Close disconnects every stream.
func (r *Registry) Close() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	clear(r.streams)
	r.mu.Unlock()

	for _, s := range streams {
		s.Disconnect()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
