package client

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// GeneratorConfig bounds the random jobs a client produces.
type GeneratorConfig struct {
	StartWindow time.Duration `yaml:"start_window"` // start in [now, now+StartWindow)
	MinDuration time.Duration `yaml:"min_duration"` // duration in [MinDuration, MaxDuration)
	MaxDuration time.Duration `yaml:"max_duration"`
}

// DefaultGeneratorConfig schedules jobs up to ten minutes ahead, lasting 10s to 1000s.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		StartWindow: 10 * time.Minute,
		MinDuration: 10 * time.Second,
		MaxDuration: 1000 * time.Second,
	}
}

// Validate rejects negative bounds and an inverted duration range.
func (c GeneratorConfig) Validate() error {
	switch {
	case c.StartWindow < 0:
		return fmt.Errorf("start_window must not be negative, got %s", c.StartWindow)
	case c.MinDuration < 0:
		return fmt.Errorf("min_duration must not be negative, got %s", c.MinDuration)
	case c.MaxDuration < c.MinDuration:
		return fmt.Errorf("max_duration %s is below min_duration %s", c.MaxDuration, c.MinDuration)
	}
	return nil
}

// Generator produces random job descriptions. It is safe for concurrent use.
type Generator struct {
	cfg GeneratorConfig
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator seeded with seed, so a run can be replayed.
func NewGenerator(cfg GeneratorConfig, seed uint64) *Generator {
	return &Generator{
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns a job starting within the window from now, with a fresh random id.
func (g *Generator) Next() types.JobRequest {
	g.mu.Lock()
	offset := g.between(0, g.cfg.StartWindow)
	d := g.between(g.cfg.MinDuration, g.cfg.MaxDuration)
	g.mu.Unlock()

	return types.NewJobRequest(g.now().Add(offset), d, uuid.New())
}

// between draws whole milliseconds from [lo, hi), or returns lo when the range is empty.
func (g *Generator) between(lo, hi time.Duration) time.Duration {
	span := int64((hi - lo) / time.Millisecond)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(g.rng.Int64N(span))*time.Millisecond
}
