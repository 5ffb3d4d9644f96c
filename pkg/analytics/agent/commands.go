package agent

import (
	"log/slog"
	"sync"
)

// Method names accepted by the command buffer.
const (
	MethodLoad     = "load"
	MethodTrack    = "track"
	MethodPage     = "page"
	MethodIdentify = "identify"
	MethodReady    = "ready"
)

// DefaultCommandLimit bounds the number of calls held before the agent exists.
const DefaultCommandLimit = 100

// Command is one buffered public call.
type Command struct {
	Method string
	Args   []any
}

// CommandBuffer records calls made before the agent is constructed and hands
// them over, in call order, once it is. It replaces the global stub array a
// page snippet would install.
type CommandBuffer struct {
	mu      sync.Mutex
	limit   int
	cmds    []Command
	dropped int
	logger  *slog.Logger
}

// NewCommandBuffer holds at most limit commands; limit <= 0 means
// DefaultCommandLimit.
func NewCommandBuffer(limit int) *CommandBuffer {
	if limit <= 0 {
		limit = DefaultCommandLimit
	}
	return &CommandBuffer{limit: limit, logger: slog.Default()}
}

// Push appends a call. When the buffer is full the call is dropped and Push
// reports false.
func (b *CommandBuffer) Push(method string, args ...any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cmds) >= b.limit {
		b.dropped++
		b.logger.Warn("command buffer full, dropping call", slog.String("method", method))
		return false
	}
	b.cmds = append(b.cmds, Command{Method: method, Args: args})
	return true
}

func (b *CommandBuffer) Load(apiKey string) { b.Push(MethodLoad, apiKey) }

func (b *CommandBuffer) Track(name string, properties map[string]any) {
	b.Push(MethodTrack, name, properties)
}

func (b *CommandBuffer) Page(properties map[string]any) { b.Push(MethodPage, properties) }

func (b *CommandBuffer) Identify(userID string, traits map[string]any) {
	b.Push(MethodIdentify, userID, traits)
}

func (b *CommandBuffer) Ready(fn func()) { b.Push(MethodReady, fn) }

// Len reports the number of buffered commands.
func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cmds)
}

// Dropped reports how many calls overflowed the buffer.
func (b *CommandBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// LoadKey returns the API key of the first buffered load call, if any.
func (b *CommandBuffer) LoadKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cmds {
		if c.Method != MethodLoad || len(c.Args) == 0 {
			continue
		}
		if key, ok := c.Args[0].(string); ok && key != "" {
			return key
		}
	}
	return ""
}

// Drain returns the buffered commands in call order and empties the buffer.
func (b *CommandBuffer) Drain() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmds := b.cmds
	b.cmds = nil
	return cmds
}
