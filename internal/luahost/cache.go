package luahost

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ChunkCache memoizes compiled Lua chunks keyed by source path, so
// reloading a module or loading a shared helper from many states skips
// the parse and compile step. Entries are fingerprinted by file mtime;
// a changed file compiles fresh on its next load. FunctionProtos are
// immutable, which makes sharing one across states safe: each state
// instantiates its own closure over its own globals.
type ChunkCache struct {
	mu     sync.Mutex
	chunks *lru.Cache[string, compiledChunk]
	hits   int64
	misses int64
}

type compiledChunk struct {
	proto *lua.FunctionProto
	mtime time.Time
}

// NewChunkCache creates a cache holding at most size compiled chunks,
// evicting least recently used entries beyond that.
func NewChunkCache(size int) (*ChunkCache, error) {
	chunks, err := lru.New[string, compiledChunk](size)
	if err != nil {
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	return &ChunkCache{chunks: chunks}, nil
}

// Load returns the compiled prototype for path, compiling it if the
// cache misses or the file changed since the cached compile.
func (c *ChunkCache) Load(path string) (*lua.FunctionProto, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime()

	c.mu.Lock()
	if cached, ok := c.chunks.Get(path); ok && cached.mtime.Equal(mtime) {
		c.hits++
		c.mu.Unlock()
		return cached.proto, nil
	}
	c.misses++
	c.mu.Unlock()

	proto, err := compileFile(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.chunks.Add(path, compiledChunk{proto: proto, mtime: mtime})
	c.mu.Unlock()

	return proto, nil
}

// Invalidate drops the cached chunk for path, if any.
func (c *ChunkCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks.Remove(path)
}

// Len returns the number of cached chunks.
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks.Len()
}

// Stats returns how many Load calls were served from cache and how many
// had to compile.
func (c *ChunkCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, err := parse.Parse(bufio.NewReader(f), path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", path, err)
	}
	return proto, nil
}
