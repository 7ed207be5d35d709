package syncdoc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

// ErrInvalidPath indicates a tracing path that is not a polyline of M/L commands.
var ErrInvalidPath = errors.New("syncdoc: invalid path")

// pathTokens separates commands glued to their first coordinate ("M226").
var pathTokens = strings.NewReplacer(",", " ", "M", " M ", "L", " L ")

// MaxProgress is the progress value at which a trace is finished.
const MaxProgress = 100.0

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) distance(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// Path is a polyline with precomputed cumulative segment lengths.
type Path struct {
	points     []Point
	cumulative []float64
}

// ParsePath reads absolute "M x y L x y ..." path data.
func ParsePath(data string) (Path, error) {
	fields := strings.Fields(pathTokens.Replace(data))
	if len(fields) == 0 {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	var points []Point
	command := ""
	for index := 0; index < len(fields); {
		token := fields[index]
		if token == "M" || token == "L" {
			if token == "M" && len(points) > 0 {
				return Path{}, fmt.Errorf("%w: subpaths are not supported", ErrInvalidPath)
			}
			command = token
			index++
			continue
		}
		if command == "" {
			return Path{}, fmt.Errorf("%w: coordinates before a command", ErrInvalidPath)
		}
		if index+1 >= len(fields) {
			return Path{}, fmt.Errorf("%w: dangling coordinate %q", ErrInvalidPath, token)
		}
		x, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		y, err := strconv.ParseFloat(fields[index+1], 64)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		points = append(points, Point{X: x, Y: y})
		index += 2
	}
	if len(points) < 2 {
		return Path{}, fmt.Errorf("%w: needs at least two points", ErrInvalidPath)
	}

	cumulative := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		cumulative[i] = cumulative[i-1] + points[i-1].distance(points[i])
	}
	return Path{points: points, cumulative: cumulative}, nil
}

// MustParsePath panics on invalid data; for catalog paths validated at load time.
func MustParsePath(data string) Path {
	path, err := ParsePath(data)
	if err != nil {
		panic(err)
	}
	return path
}

func (p Path) Length() float64 {
	if len(p.cumulative) == 0 {
		return 0
	}
	return p.cumulative[len(p.cumulative)-1]
}

// PointAt returns the point at progress percent of the path length.
func (p Path) PointAt(progress float64) Point {
	if len(p.points) == 0 {
		return Point{}
	}
	progress = math.Max(0, math.Min(MaxProgress, progress))
	target := p.Length() * progress / MaxProgress
	for i := 1; i < len(p.points); i++ {
		if target > p.cumulative[i] {
			continue
		}
		segment := p.cumulative[i] - p.cumulative[i-1]
		if segment == 0 {
			return p.points[i]
		}
		ratio := (target - p.cumulative[i-1]) / segment
		from, to := p.points[i-1], p.points[i]
		return Point{X: from.X + (to.X-from.X)*ratio, Y: from.Y + (to.Y-from.Y)*ratio}
	}
	return p.points[len(p.points)-1]
}

// TracingState is the synchronized part of a two-handed trace.
// Cursors and holding flags are owned per role; progress only grows.
type TracingState struct {
	Progress float64               `json:"progress"`
	Cursors  sessions.Pair[*Point] `json:"cursors"`
	Holding  sessions.Pair[bool]   `json:"holding"`
}

func MergeTracing(base, incoming TracingState, author sessions.Role) TracingState {
	return TracingState{
		Progress: math.Min(MaxProgress, Max(base.Progress, incoming.Progress)),
		Cursors:  OwnedPair(base.Cursors, incoming.Cursors, author),
		Holding:  OwnedPair(base.Holding, incoming.Holding, author),
	}
}

func (s TracingState) Finished() bool {
	return s.Progress >= MaxProgress
}

// Tracer advances a TracingState along a path.
type Tracer struct {
	Path   Path
	Radius float64
	Rate   float64
}

// Target is the point both cursors have to stay on.
func (t Tracer) Target(state TracingState) Point {
	return t.Path.PointAt(state.Progress)
}

// OnTarget reports whether cursor is within the radius of the current target.
func (t Tracer) OnTarget(state TracingState, cursor *Point) bool {
	if cursor == nil {
		return false
	}
	return cursor.distance(t.Target(state)) <= t.Radius
}

// CanHold reports whether role may start holding: only when its cursor is on target.
func (t Tracer) CanHold(state TracingState, role sessions.Role) bool {
	return t.OnTarget(state, state.Cursors.Get(role))
}

// Step advances progress by rate per second of elapsed, but only while both
// partners hold and both cursors are on target.
func (t Tracer) Step(state TracingState, elapsed time.Duration) TracingState {
	if state.Finished() || elapsed <= 0 {
		return state
	}
	if !state.Holding.Both(func(holding bool) bool { return holding }) {
		return state
	}
	if !state.Cursors.Both(func(cursor *Point) bool { return t.OnTarget(state, cursor) }) {
		return state
	}
	state.Progress = math.Min(MaxProgress, state.Progress+t.Rate*elapsed.Seconds())
	return state
}
