package monitor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// ErrAlreadyActive is returned by WaitUntil when the monitor already has a
// change callback installed.
var ErrAlreadyActive = errors.New("monitor already active")

// WaitUntil returns the first status of m accepted by accept. It checks once
// up front and otherwise activates m until a match or until ctx is done.
// It must not be called from a change callback.
func WaitUntil(ctx context.Context, m *Monitor, accept func(reach.Status) bool) (reach.Status, error) {
	if status := m.Check(); accept(status) {
		return status, nil
	}

	found := make(chan reach.Status, 1)
	offer := func(status reach.Status) {
		if !accept(status) {
			return
		}
		select {
		case found <- status:
		default:
		}
	}

	if !m.Activate(offer) {
		return reach.Unknown, ErrAlreadyActive
	}
	defer m.Invalidate()

	// The status may have changed between Check and Activate.
	m.CheckAsync(offer)

	select {
	case status := <-found:
		return status, nil
	case <-ctx.Done():
		return reach.Unknown, ctx.Err()
	}
}

// WaitAll runs WaitUntil for every monitor concurrently and returns the
// accepted status per host. The first failure cancels the others.
func WaitAll(ctx context.Context, monitors []*Monitor, accept func(reach.Status) bool) (map[string]reach.Status, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]reach.Status, len(monitors))
	for i, m := range monitors {
		g.Go(func() error {
			status, err := WaitUntil(ctx, m, accept)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", m.Host(), err)
			}
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]reach.Status, len(monitors))
	for i, m := range monitors {
		out[m.Host()] = results[i]
	}
	return out, nil
}
