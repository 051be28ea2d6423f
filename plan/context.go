// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package plan

import (
	"fmt"

	"github.com/SnellerInc/scanfuse/expr"

	"sigs.k8s.io/yaml"
)

// PhysicalConfig holds the physical
// optimization parameters that rewrites
// consult when sizing operators.
type PhysicalConfig struct {
	// FramesForGroupBy is the number of
	// frames a group-by may use.
	FramesForGroupBy int `json:"framesForGroupBy"`
	// FrameSize is the size of a frame in bytes.
	FrameSize int `json:"frameSize"`
	// MaxReaders, if positive, is the largest
	// number of column readers one generated
	// scan function may bind.
	MaxReaders int `json:"maxReaders,omitempty"`
}

const (
	DefaultFramesForGroupBy = 32
	DefaultFrameSize        = 32 * 1024
)

// DefaultPhysicalConfig returns the default configuration.
func DefaultPhysicalConfig() PhysicalConfig {
	return PhysicalConfig{
		FramesForGroupBy: DefaultFramesForGroupBy,
		FrameSize:        DefaultFrameSize,
	}
}

// GroupByMemory returns the memory budget
// of a group-by operator in bytes.
func (c *PhysicalConfig) GroupByMemory() int64 {
	return int64(c.FramesForGroupBy) * int64(c.FrameSize)
}

func (c *PhysicalConfig) validate() error {
	if c.FramesForGroupBy <= 0 {
		return fmt.Errorf("framesForGroupBy must be positive (got %d)", c.FramesForGroupBy)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frameSize must be positive (got %d)", c.FrameSize)
	}
	if c.MaxReaders < 0 {
		return fmt.Errorf("maxReaders must not be negative (got %d)", c.MaxReaders)
	}
	return nil
}

// LoadPhysicalConfig parses a YAML (or JSON)
// document into a PhysicalConfig. Fields
// that are absent keep their default values.
func LoadPhysicalConfig(buf []byte) (*PhysicalConfig, error) {
	c := DefaultPhysicalConfig()
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, fmt.Errorf("plan: parsing physical config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("plan: physical config: %w", err)
	}
	return &c, nil
}

// Context is the optimization context
// shared by the rewrites applied to a plan.
type Context interface {
	// NewVar allocates a fresh logical variable.
	NewVar(name string, t expr.Type) *expr.Var
	// ComputeTypeEnv recomputes the type
	// environment of op; it must be called
	// on operators whose inputs changed.
	ComputeTypeEnv(op Op) error
	// PhysicalConfig returns the physical
	// optimization parameters.
	PhysicalConfig() *PhysicalConfig
}

type optContext struct {
	next int
	cfg  PhysicalConfig
}

// NewContext returns a Context using cfg,
// or the default configuration if cfg is nil.
func NewContext(cfg *PhysicalConfig) Context {
	c := &optContext{cfg: DefaultPhysicalConfig()}
	if cfg != nil {
		c.cfg = *cfg
	}
	return c
}

func (c *optContext) NewVar(name string, t expr.Type) *expr.Var {
	c.next++
	return &expr.Var{ID: c.next, Name: name, Type: t}
}

func (c *optContext) ComputeTypeEnv(op Op) error { return ComputeTypeEnv(op) }

func (c *optContext) PhysicalConfig() *PhysicalConfig { return &c.cfg }
