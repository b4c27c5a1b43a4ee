package crawler

import (
	"errors"
	"fmt"
)

// StageGroup is an ordered run of stages. Post groups still run after a
// stage returns Finish.
type StageGroup struct {
	Name   string
	Stages []Processor
	Post   bool
}

// Chain is the ordered sequence of stage groups every item walks through.
type Chain struct {
	groups []StageGroup
	index  map[string]Cursor
}

// NewChain validates the groups and indexes stages by name. Stage names must
// be unique across the chain since workers key per-worker instances by name.
func NewChain(groups ...StageGroup) (*Chain, error) {
	if len(groups) == 0 {
		return nil, errors.New("chain requires at least one stage group")
	}
	c := &Chain{index: make(map[string]Cursor)}
	seenPost := false
	for gi, g := range groups {
		if g.Post {
			seenPost = true
		} else if seenPost {
			return nil, fmt.Errorf("stage group %q follows a post-processing group", g.Name)
		}
		for si, st := range g.Stages {
			if st == nil {
				return nil, fmt.Errorf("stage group %q has nil stage at %d", g.Name, si)
			}
			name := st.Name()
			if name == "" {
				return nil, fmt.Errorf("stage group %q has unnamed stage at %d", g.Name, si)
			}
			if _, dup := c.index[name]; dup {
				return nil, fmt.Errorf("duplicate stage name %q", name)
			}
			c.index[name] = Cursor{Group: gi, Stage: si, Name: name}
		}
		c.groups = append(c.groups, StageGroup{
			Name:   g.Name,
			Stages: append([]Processor(nil), g.Stages...),
			Post:   g.Post,
		})
	}
	return c, nil
}

// Groups returns the stage groups in order.
func (c *Chain) Groups() []StageGroup {
	return c.groups
}

// Locate finds a stage by name.
func (c *Chain) Locate(name string) (Cursor, bool) {
	cur, ok := c.index[name]
	return cur, ok
}

// FirstPostGroup returns the index of the first post-processing group, or
// len(groups) when there is none.
func (c *Chain) FirstPostGroup() int {
	for i, g := range c.groups {
		if g.Post {
			return i
		}
	}
	return len(c.groups)
}

// Stages returns every stage in walk order.
func (c *Chain) Stages() []Processor {
	var out []Processor
	for _, g := range c.groups {
		out = append(out, g.Stages...)
	}
	return out
}
