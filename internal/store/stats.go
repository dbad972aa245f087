package store

import (
	"context"
	"fmt"
)

// Counts is a snapshot of resource counts, used by the telemetry heartbeat.
type Counts struct {
	Workspaces int
	Keys       int
	Roles      int
	Namespaces int
	Overrides  int
}

// CountResources tallies live rows per resource kind.
func (s *Store) CountResources(ctx context.Context) (Counts, error) {
	var c Counts
	queries := []struct {
		dest  *int
		table string
	}{
		{&c.Workspaces, "workspaces"},
		{&c.Keys, "api_keys"},
		{&c.Roles, "roles"},
		{&c.Namespaces, "ratelimit_namespaces"},
		{&c.Overrides, "ratelimit_overrides"},
	}
	for _, q := range queries {
		err := s.db.GetContext(ctx, q.dest,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", q.table))
		if err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return c, nil
}
