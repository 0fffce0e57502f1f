package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DriverSource is the slice of the store the locator reads.
type DriverSource interface {
	AssignedDriverIDs(ctx context.Context) ([]string, error)
	AvailableDrivers(ctx context.Context, exclude []string) ([]models.Driver, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

type Locator struct {
	Source DriverSource
	// MaxDistanceKm drops normal-mode candidates farther than this from
	// pickup. Zero disables the cutoff.
	MaxDistanceKm float64
	// Intn picks the fallback driver; defaults to math/rand.
	Intn func(n int) int
}

// FindCandidate returns the driver to offer the ride to next, or nil when
// nobody qualifies. In normal mode it is the nearest eligible driver not in
// excluded. In fallback mode it is a random driver from excluded that is not
// currently being asked about another ride.
func (l *Locator) FindCandidate(ctx context.Context, pickup models.Coord, excluded []string, fallback bool) (*Candidate, error) {
	start := time.Now()
	mode := "normal"
	if fallback {
		mode = "fallback"
	}
	defer func() { observability.CandidateSearchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds()) }()

	assigned, err := l.Source.AssignedDriverIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assigned drivers: %w", err)
	}
	if fallback {
		return l.fallback(ctx, pickup, excluded, assigned)
	}

	exclude := make([]string, 0, len(excluded)+len(assigned))
	exclude = append(exclude, excluded...)
	exclude = append(exclude, assigned...)
	pool, err := l.Source.AvailableDrivers(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("load available drivers: %w", err)
	}

	var best *Candidate
	for _, d := range pool {
		if d.Location == nil {
			continue
		}
		dist := geo.DistanceKm(pickup, *d.Location)
		if l.MaxDistanceKm > 0 && dist > l.MaxDistanceKm {
			continue
		}
		// strict less-than keeps the first driver on ties
		if best == nil || dist < best.DistanceKm {
			best = &Candidate{Driver: d, DistanceKm: dist}
		}
	}
	return best, nil
}

func (l *Locator) fallback(ctx context.Context, pickup models.Coord, excluded, assigned []string) (*Candidate, error) {
	busy := make(map[string]struct{}, len(assigned))
	for _, id := range assigned {
		busy[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(excluded))
	pool := make([]string, 0, len(excluded))
	for _, id := range excluded {
		if _, ok := busy[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		pool = append(pool, id)
	}
	if len(pool) == 0 {
		return nil, nil
	}
	intn := l.Intn
	if intn == nil {
		intn = rand.Intn
	}
	id := pool[intn(len(pool))]
	d, err := l.Source.GetDriver(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fallback driver %s: %w", id, err)
	}
	c := &Candidate{Driver: *d}
	if d.Location != nil {
		c.DistanceKm = geo.DistanceKm(pickup, *d.Location)
	}
	return c, nil
}
