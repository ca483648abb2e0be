package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/GoCodeAlone/fieldops/geofence"
)

// StaticSource always reports the same position.
type StaticSource geofence.Coordinate

// Current implements LocationSource.
func (s StaticSource) Current(context.Context) (geofence.Coordinate, error) {
	return geofence.Coordinate(s), nil
}

// ParseCoordinate parses "lat,lng".
func ParseCoordinate(s string) (geofence.Coordinate, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return geofence.Coordinate{}, fmt.Errorf("%w: want lat,lng, got %q", geofence.ErrInvalidCoordinate, s)
	}
	var c geofence.Coordinate
	var err error
	if c.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return geofence.Coordinate{}, fmt.Errorf("%w: latitude %q", geofence.ErrInvalidCoordinate, lat)
	}
	if c.Lng, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return geofence.Coordinate{}, fmt.Errorf("%w: longitude %q", geofence.ErrInvalidCoordinate, lng)
	}
	return c, geofence.ValidateCoordinate(c)
}

// RouteSource replays a recorded route, one position per call. After the
// last point it keeps reporting the final position.
type RouteSource struct {
	mu     sync.Mutex
	points []geofence.Coordinate
	next   int
}

// ReadRoute parses one "lat,lng" pair per line. Blank lines and lines
// starting with # are skipped.
func ReadRoute(r io.Reader) (*RouteSource, error) {
	var points []geofence.Coordinate
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		c, err := ParseCoordinate(text)
		if err != nil {
			return nil, fmt.Errorf("route line %d: %w", line, err)
		}
		points = append(points, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read route: %w", err)
	}
	if len(points) == 0 {
		return nil, errors.New("route has no points")
	}
	return &RouteSource{points: points}, nil
}

// Current implements LocationSource.
func (r *RouteSource) Current(context.Context) (geofence.Coordinate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.points[r.next]
	if r.next < len(r.points)-1 {
		r.next++
	}
	return c, nil
}
