package coordinate

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats reports Client-wide diagnostic counters.
type Stats struct {
	ResetCount int
}

// Client maintains one node's estimated coordinate, updating it from RTT
// observations against other nodes' coordinates.
type Client struct {
	mu sync.RWMutex

	config *Config
	coord  *Coordinate

	adjustmentIndex   uint
	adjustmentSamples []float64

	latencyFilters map[string][]float64

	resetCount int
}

// NewClient creates a Client seeded at the origin.
func NewClient(config *Config) (*Client, error) {
	if config.Dimensionality == 0 {
		return nil, fmt.Errorf("coordinate: dimensionality must be > 0")
	}

	return &Client{
		config:            config,
		coord:             NewCoordinate(config),
		adjustmentSamples: make([]float64, config.AdjustmentWindowSize),
		latencyFilters:    make(map[string][]float64),
	}, nil
}

// GetCoordinate returns a defensive copy of the client's current estimate.
func (c *Client) GetCoordinate() *Coordinate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coord.Clone()
}

// Stats returns a snapshot of the client's diagnostic counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{ResetCount: c.resetCount}
}

// Update folds an RTT observation against other's coordinate into the
// client's estimate, filtering the sample through the per-node median
// ring buffer first. node identifies the peer so repeated samples from a
// single flaky path don't dominate a single update.
func (c *Client) Update(node string, other *Coordinate, rtt time.Duration) (*Coordinate, error) {
	if !c.coord.IsCompatibleWith(other) {
		return nil, ErrDimensionalityConflict
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rttSeconds := c.filteredRTT(node, rtt.Seconds())

	c.updateVivaldi(other, rttSeconds)
	c.updateAdjustment(other, rttSeconds)
	c.updateGravity()

	if !c.coord.IsValid() {
		c.coord = NewCoordinate(c.config)
		c.resetCount++
	}

	return c.coord.Clone(), nil
}

// filteredRTT appends seconds to node's ring buffer (capped at
// LatencyFilterSize, dropping the oldest sample) and returns the median.
func (c *Client) filteredRTT(node string, seconds float64) float64 {
	limit := int(c.config.LatencyFilterSize)
	if limit <= 0 {
		return seconds
	}

	buf := append(c.latencyFilters[node], seconds)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	c.latencyFilters[node] = buf

	sorted := append([]float64(nil), buf...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func (c *Client) updateVivaldi(other *Coordinate, rttSeconds float64) {
	const zeroThreshold = 1.0e-6

	dist := c.coord.DistanceTo(other)
	if rttSeconds < zeroThreshold {
		rttSeconds = zeroThreshold
	}
	wrongness := abs(dist-rttSeconds) / rttSeconds

	totalErr := c.coord.Err + other.Err
	if totalErr < zeroThreshold {
		totalErr = zeroThreshold
	}
	weight := c.coord.Err / totalErr

	c.coord.Err = c.config.VivaldiCE*weight*wrongness + c.coord.Err*(1.0-c.config.VivaldiCE*weight)
	if c.coord.Err > c.config.VivaldiErrorMax {
		c.coord.Err = c.config.VivaldiErrorMax
	}

	delta := c.config.VivaldiCC * weight
	force := delta * (rttSeconds - dist)
	c.coord = c.coord.ApplyForce(c.config, force, other)

	if c.coord.Height < c.config.HeightMin {
		c.coord.Height = c.config.HeightMin
	}
}

func (c *Client) updateAdjustment(other *Coordinate, rttSeconds float64) {
	if c.config.AdjustmentWindowSize == 0 {
		return
	}

	dist := c.coord.rawDistanceTo(other)
	c.adjustmentSamples[c.adjustmentIndex] = rttSeconds - dist
	c.adjustmentIndex = (c.adjustmentIndex + 1) % c.config.AdjustmentWindowSize

	sum := 0.0
	for _, sample := range c.adjustmentSamples {
		sum += sample
	}
	c.coord.Adjustment = sum / (2.0 * float64(c.config.AdjustmentWindowSize))
}

// updateGravity applies a small inward force toward the origin,
// proportional to the square of the current distance from it, so
// coordinates don't drift apart without bound over long-running clusters.
func (c *Client) updateGravity() {
	if c.config.GravityRho == 0 {
		return
	}
	origin := &Coordinate{Vec: make([]float64, len(c.coord.Vec))}
	dist := c.coord.DistanceTo(origin)
	force := -1.0 * (dist / c.config.GravityRho) * (dist / c.config.GravityRho)
	c.coord = c.coord.ApplyForce(c.config, force, origin)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
