package summary

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func checkInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval || d%time.Hour != 0 {
		return fmt.Errorf("%w: interval must be 1 to 24 whole hours", ErrInvalid)
	}
	return nil
}

// Create saves a group for owner using the default interval when
// interval is zero.
func (s *Service) Create(ctx context.Context, owner int64, name, prompt string, channels []string, interval time.Duration) (*Group, error) {
	name, prompt = strings.TrimSpace(name), strings.TrimSpace(prompt)
	if name == "" || prompt == "" || len(channels) == 0 {
		return nil, fmt.Errorf("%w: needs a name, a prompt and at least one channel", ErrInvalid)
	}
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	g, err := s.store.Create(ctx, owner, name, prompt, channels, interval)
	if err != nil {
		return nil, err
	}
	s.logger.Info("summary group created", "group", g.ID, "owner", owner, "channels", len(channels))
	return g, nil
}

// List returns owner's groups, newest first.
func (s *Service) List(ctx context.Context, owner int64) ([]*Group, error) {
	return s.store.ListOwner(ctx, owner)
}

// Delete removes one of owner's groups.
func (s *Service) Delete(ctx context.Context, owner int64, id string) error {
	if err := s.store.Delete(ctx, owner, id); err != nil {
		return err
	}
	s.logger.Info("summary group deleted", "group", id, "owner", owner)
	return nil
}

// AddChannel adds a channel to one of owner's groups.
func (s *Service) AddChannel(ctx context.Context, owner int64, id, channel string) (*Group, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("%w: empty channel", ErrInvalid)
	}
	return s.store.AddChannel(ctx, owner, id, channel)
}

// RemoveChannel drops a channel from one of owner's groups.
func (s *Service) RemoveChannel(ctx context.Context, owner int64, id, channel string) (*Group, error) {
	return s.store.RemoveChannel(ctx, owner, id, strings.TrimSpace(channel))
}

// SetInterval changes how often one of owner's groups runs.
func (s *Service) SetInterval(ctx context.Context, owner int64, id string, interval time.Duration) (*Group, error) {
	if err := checkInterval(interval); err != nil {
		return nil, err
	}
	return s.store.SetInterval(ctx, owner, id, interval)
}
