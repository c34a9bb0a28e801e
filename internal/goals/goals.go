// Package goals tracks user-stated objectives with a due date, the
// population the Gardener's goal-deadline-check step (spec.md §4.9 step 7)
// and the Proactive Evaluator's deadline signal (spec.md §4.10 step 2) both
// read from. Like internal/profile, it rides directly on the GraphDB rather
// than through the Memory Store, since a goal has its own lifecycle
// (open/done) instead of prominence decay.
package goals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hearth/internal/persistence/databases"
)

const nodeLabel = "goal"

// Status is a goal's lifecycle state.
type Status string

const (
	StatusOpen Status = "open"
	StatusDone Status = "done"
)

// Goal is a user-stated objective with an optional deadline.
type Goal struct {
	ID          string
	UserID      string
	Description string
	DueDate     *time.Time
	Status      Status
	CreatedAt   time.Time
}

// Store reads and writes Goals against a GraphDB.
type Store struct {
	Graph databases.GraphDB
}

// New constructs a goals Store.
func New(graph databases.GraphDB) *Store {
	return &Store{Graph: graph}
}

// Create records a new open goal.
func (s *Store) Create(ctx context.Context, userID, description string, dueDate *time.Time) (Goal, error) {
	g := Goal{
		ID:          uuid.NewString(),
		UserID:      userID,
		Description: description,
		DueDate:     dueDate,
		Status:      StatusOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.save(ctx, g); err != nil {
		return Goal{}, err
	}
	return g, nil
}

func (s *Store) save(ctx context.Context, g Goal) error {
	if err := s.Graph.UpsertNode(ctx, g.ID, []string{nodeLabel}, goalToProps(g)); err != nil {
		return fmt.Errorf("goals: save: %w", err)
	}
	return nil
}

// MarkDone closes a goal so it no longer surfaces in deadline checks.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	node, ok := s.Graph.GetNode(ctx, id)
	if !ok {
		return fmt.Errorf("goals: %s not found", id)
	}
	g := propsToGoal(id, node.Props)
	g.Status = StatusDone
	return s.save(ctx, g)
}

// ListOpen returns every open goal, optionally scoped to one user.
func (s *Store) ListOpen(ctx context.Context, userID string) ([]Goal, error) {
	nodes, err := s.Graph.ListNodes(ctx, nodeLabel)
	if err != nil {
		return nil, fmt.Errorf("goals: list: %w", err)
	}
	out := make([]Goal, 0, len(nodes))
	for _, n := range nodes {
		g := propsToGoal(n.ID, n.Props)
		if g.Status != StatusOpen {
			continue
		}
		if userID != "" && g.UserID != userID {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// ApproachingDeadline reports whether the goal's due date falls within
// [now, now+window] — the "approaching within a band" test from spec.md
// §4.9 step 7.
func (g Goal) ApproachingDeadline(now time.Time, window time.Duration) bool {
	if g.DueDate == nil {
		return false
	}
	delta := g.DueDate.Sub(now)
	return delta >= 0 && delta <= window
}

func goalToProps(g Goal) map[string]any {
	props := map[string]any{
		"user_id":     g.UserID,
		"description": g.Description,
		"status":      string(g.Status),
		"created_at":  g.CreatedAt.Format(time.RFC3339Nano),
	}
	if g.DueDate != nil {
		props["due_date"] = g.DueDate.Format(time.RFC3339Nano)
	}
	return props
}

func propsToGoal(id string, props map[string]any) Goal {
	g := Goal{ID: id, Status: StatusOpen}
	if v, ok := props["user_id"].(string); ok {
		g.UserID = v
	}
	if v, ok := props["description"].(string); ok {
		g.Description = v
	}
	if v, ok := props["status"].(string); ok {
		g.Status = Status(v)
	}
	if v, ok := props["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			g.CreatedAt = t
		}
	}
	if v, ok := props["due_date"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			g.DueDate = &t
		}
	}
	return g
}
