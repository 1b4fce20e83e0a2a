// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servicegraph maintains the global service dependency DAG:
// addDependency/removeDependency/getUpstream/getDownstream/getGraph
// over the services and service_dependencies tables.
package servicegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/automation-core/internal/audit"
	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/store"
)

const (
	// StatusArchived marks a service ineligible for new dependency edges.
	StatusArchived = "archived"

	// maxGraphDepth is getGraph's hard depth cap (spec: maxDepth<=20).
	maxGraphDepth = 20
	// maxGraphNodes caps getGraph's connected subgraph size regardless
	// of requested depth.
	maxGraphNodes = 100
)

// Graph serves the dependency DAG's mutations and traversals.
type Graph struct {
	store *store.Store
	audit *audit.Sink
}

func New(s *store.Store, auditSink *audit.Sink) *Graph {
	return &Graph{store: s, audit: auditSink}
}

// AddDependency records that downstream depends on upstream, rejecting
// a self-dependency, a dependency touching an archived service, or an
// edge that would close a cycle.
func (g *Graph) AddDependency(ctx context.Context, upstreamID, downstreamID, userID string) error {
	if upstreamID == downstreamID {
		return &autoerrors.InvalidRequestError{Field: "downstreamId", Message: "a service cannot depend on itself"}
	}

	upstream, err := g.store.GetService(ctx, upstreamID)
	if err != nil {
		return err
	}
	downstream, err := g.store.GetService(ctx, downstreamID)
	if err != nil {
		return err
	}
	if upstream.Status == StatusArchived || downstream.Status == StatusArchived {
		return &autoerrors.InvalidRequestError{Field: "status", Message: "cannot add a dependency touching an archived service"}
	}

	edges, err := g.store.ListAllDependencyEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dependency edges: %w", err)
	}
	// Proposed edge upstream->downstream closes a cycle iff downstream
	// can already reach upstream: a DFS from downstream over the
	// existing edges (the proposed edge leaves upstream, so it cannot
	// change that answer).
	if path, found := reaches(edges, downstreamID, upstreamID); found {
		return &autoerrors.CycleError{Kind: "service_dependency", Path: append([]string{upstreamID}, path...)}
	}

	now := time.Now().UTC()
	if err := g.store.AddServiceDependency(ctx, upstreamID, downstreamID, userID, now); err != nil {
		return err
	}
	if g.audit != nil {
		_ = g.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: "service_dependency.added", UserID: userID, ResourceType: "service", ResourceID: downstreamID,
			Metadata: map[string]any{"upstream_id": upstreamID, "downstream_id": downstreamID},
		}, now)
	}
	return nil
}

// RemoveDependency disconnects upstream from downstream. Idempotent:
// removing an edge that doesn't exist is not an error.
func (g *Graph) RemoveDependency(ctx context.Context, upstreamID, downstreamID, userID string) error {
	if err := g.store.RemoveServiceDependency(ctx, upstreamID, downstreamID); err != nil {
		return err
	}
	if g.audit != nil {
		_ = g.audit.Append(ctx, nil, uuid.NewString(), audit.Event{
			Action: "service_dependency.removed", UserID: userID, ResourceType: "service", ResourceID: downstreamID,
			Metadata: map[string]any{"upstream_id": upstreamID, "downstream_id": downstreamID},
		}, time.Now().UTC())
	}
	return nil
}

// GetUpstream returns the ids of services serviceID directly depends on.
func (g *Graph) GetUpstream(ctx context.Context, serviceID string) ([]string, error) {
	return g.store.ListUpstream(ctx, serviceID)
}

// GetDownstream returns the ids of services that directly depend on serviceID.
func (g *Graph) GetDownstream(ctx context.Context, serviceID string) ([]string, error) {
	return g.store.ListDownstream(ctx, serviceID)
}

// Subgraph is the connected neighborhood of a service returned by GetGraph.
type Subgraph struct {
	Root  string
	Nodes []string
	Edges []Edge
}

// Edge is one directed upstream->downstream dependency.
type Edge struct {
	Upstream   string
	Downstream string
}

// GetGraph returns the subgraph reachable from serviceID in either
// direction up to maxDepth hops (capped at 20), and at most 100 nodes
// regardless of how far that depth would otherwise reach.
func (g *Graph) GetGraph(ctx context.Context, serviceID string, maxDepth int) (*Subgraph, error) {
	if maxDepth > maxGraphDepth {
		maxDepth = maxGraphDepth
	}
	if maxDepth < 0 {
		maxDepth = 0
	}

	edges, err := g.store.ListAllDependencyEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	reverse := reverseAdjacency(edges)

	visited := map[string]bool{serviceID: true}
	order := []string{serviceID}
	frontier := []string{serviceID}
	var edgeSet []Edge
	seenEdge := map[[2]string]bool{}

	addEdge := func(u, d string) {
		key := [2]string{u, d}
		if !seenEdge[key] {
			seenEdge[key] = true
			edgeSet = append(edgeSet, Edge{Upstream: u, Downstream: d})
		}
	}

	for depth := 0; depth < maxDepth && len(order) < maxGraphNodes; depth++ {
		var next []string
		for _, id := range frontier {
			for _, d := range edges[id] {
				addEdge(id, d)
				if !visited[d] {
					visited[d] = true
					order = append(order, d)
					next = append(next, d)
					if len(order) >= maxGraphNodes {
						break
					}
				}
			}
			if len(order) >= maxGraphNodes {
				break
			}
			for _, u := range reverse[id] {
				addEdge(u, id)
				if !visited[u] {
					visited[u] = true
					order = append(order, u)
					next = append(next, u)
					if len(order) >= maxGraphNodes {
						break
					}
				}
			}
			if len(order) >= maxGraphNodes {
				break
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	if len(order) > maxGraphNodes {
		order = order[:maxGraphNodes]
	}
	return &Subgraph{Root: serviceID, Nodes: order, Edges: edgeSet}, nil
}

// reaches reports whether target is reachable from start over adjacency,
// returning the path found (start..target) when it is.
func reaches(adjacency map[string][]string, start, target string) ([]string, bool) {
	visited := map[string]bool{start: true}
	type frame struct {
		id   string
		path []string
	}
	stack := []frame{{id: start, path: []string{start}}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.id == target {
			return f.path, true
		}
		for _, next := range adjacency[f.id] {
			if visited[next] {
				continue
			}
			visited[next] = true
			path := make([]string, len(f.path), len(f.path)+1)
			copy(path, f.path)
			path = append(path, next)
			stack = append(stack, frame{id: next, path: path})
		}
	}
	return nil, false
}

func reverseAdjacency(edges map[string][]string) map[string][]string {
	reverse := make(map[string][]string)
	for upstream, downstreams := range edges {
		for _, d := range downstreams {
			reverse[d] = append(reverse[d], upstream)
		}
	}
	return reverse
}
