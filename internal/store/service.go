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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	autoerrors "github.com/tombee/automation-core/internal/errors"
)

// Service is a node in the service dependency graph.
type Service struct {
	ID         string
	Name       string
	RoutingKey string
	Team       string
	Status     string // active | deprecated | archived
	Tags       []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateService inserts a new service.
func (s *Store) CreateService(ctx context.Context, svc *Service) error {
	tags, err := json.Marshal(svc.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal service tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, routing_key, team, status, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.Name, svc.RoutingKey, svc.Team, svc.Status, string(tags), svc.CreatedAt, svc.UpdatedAt)
	if isUniqueConstraintErr(err) {
		return &autoerrors.ConflictError{Resource: "service", Reason: "routing_key already in use"}
	}
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

// GetService loads a service by id.
func (s *Store) GetService(ctx context.Context, id string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, routing_key, team, status, tags, created_at, updated_at
		FROM services WHERE id = ?`, id)
	return scanService(row, id)
}

func scanService(row rowScanner, id string) (*Service, error) {
	var svc Service
	var tags string
	if err := row.Scan(&svc.ID, &svc.Name, &svc.RoutingKey, &svc.Team, &svc.Status, &tags,
		&svc.CreatedAt, &svc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &autoerrors.NotFoundError{Resource: "service", ID: id}
		}
		return nil, fmt.Errorf("failed to get service %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &svc.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service tags: %w", err)
	}
	return &svc, nil
}

// AddServiceDependency records that downstream depends on upstream.
// Cycle and self-dependency rejection happen in the owning package
// before this call, which only persists an edge already known to be
// valid; this method itself guards only against a duplicate edge.
func (s *Store) AddServiceDependency(ctx context.Context, upstreamID, downstreamID, createdBy string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_dependencies (upstream_id, downstream_id, created_by, created_at)
		VALUES (?, ?, ?, ?)`, upstreamID, downstreamID, createdBy, createdAt)
	if isUniqueConstraintErr(err) {
		return &autoerrors.ConflictError{Resource: "service_dependency", Reason: "dependency already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to add service dependency: %w", err)
	}
	return nil
}

// RemoveServiceDependency deletes an edge; idempotent, as repeated
// removal of an already-absent edge is not an error.
func (s *Store) RemoveServiceDependency(ctx context.Context, upstreamID, downstreamID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM service_dependencies WHERE upstream_id = ? AND downstream_id = ?`, upstreamID, downstreamID)
	if err != nil {
		return fmt.Errorf("failed to remove service dependency: %w", err)
	}
	return nil
}

// ListUpstream returns the ids of services that id depends on directly.
func (s *Store) ListUpstream(ctx context.Context, id string) ([]string, error) {
	return s.listDependencyColumn(ctx,
		`SELECT upstream_id FROM service_dependencies WHERE downstream_id = ?`, id)
}

// ListDownstream returns the ids of services that directly depend on id.
func (s *Store) ListDownstream(ctx context.Context, id string) ([]string, error) {
	return s.listDependencyColumn(ctx,
		`SELECT downstream_id FROM service_dependencies WHERE upstream_id = ?`, id)
}

// ListAllDependencyEdges returns every (upstream, downstream) edge,
// used by the graph traversal (cycle check and getGraph) to build an
// in-memory adjacency list rather than issuing one query per hop.
func (s *Store) ListAllDependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upstream_id, downstream_id FROM service_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependency edges: %w", err)
	}
	defer rows.Close()

	adjacency := make(map[string][]string)
	for rows.Next() {
		var upstream, downstream string
		if err := rows.Scan(&upstream, &downstream); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		adjacency[upstream] = append(adjacency[upstream], downstream)
	}
	return adjacency, rows.Err()
}

func (s *Store) listDependencyColumn(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies for %s: %w", id, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		ids = append(ids, depID)
	}
	return ids, rows.Err()
}
