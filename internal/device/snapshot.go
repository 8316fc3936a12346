package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a restorable capture of the device's configuration, taken
// before any tuning change so a session can always roll back.
type Snapshot struct {
	ID      uuid.UUID `json:"id"`
	TakenAt time.Time `json:"takenAt"`
	Diff    string    `json:"diff"`
}

// TakeSnapshot captures the device's current configuration as a diff against
// firmware defaults.
func (c *Client) TakeSnapshot(ctx context.Context) (*Snapshot, error) {
	diff, err := c.DiffAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing snapshot: %w", err)
	}

	s := &Snapshot{
		ID:      uuid.New(),
		TakenAt: time.Now().UTC(),
		Diff:    diff,
	}

	c.logger.Info("configuration snapshot taken",
		slog.String("id", s.ID.String()),
		slog.Int("bytes", len(s.Diff)))
	return s, nil
}
