// Package streamorder extracts the drainage network of a D8 flow direction
// raster at one threshold flow accumulation and orders it with the
// Strahler scheme.
//
// The network is a forest stored as a flat slice of segments. Each segment
// knows its downstream parent and upstream children by index, so ordering
// and serialization are plain passes over the slice.
package streamorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/megannissel/invest-routedem-tfa-range/internal/raster"
	"github.com/megannissel/invest-routedem-tfa-range/internal/routing"
)

// ErrCycle is returned when the flow direction raster routes a stream
// back onto itself.
var ErrCycle = errors.New("stream network contains a cycle")

// Segment is one reach of the network: a run of stream pixels from a head
// or junction down to the next junction or an outlet.
type Segment struct {
	// Pixels are the flat indices of the segment's own pixels, upstream
	// first. The junction pixel a segment flows into belongs to the
	// downstream segment.
	Pixels []int
	// Junction is the first pixel of the parent segment, or -1 for outlets.
	Junction int
	Parent   int
	Children []int

	Order   int
	RiverID int

	UsFA          float64
	DsFA          float64
	DropDistance  float64
	UpstreamD8Dir int
}

// Outlet reports whether the segment drains out of the network.
func (s *Segment) Outlet() bool {
	return s.Parent < 0
}

// Geometry returns the pixel indices of the segment's line: its own
// pixels followed by the junction pixel when it has one.
func (s *Segment) Geometry() []int {
	if s.Junction < 0 {
		return s.Pixels
	}
	out := make([]int, 0, len(s.Pixels)+1)
	out = append(out, s.Pixels...)
	return append(out, s.Junction)
}

// Downstream returns the last geometry pixel.
func (s *Segment) Downstream() int {
	if s.Junction >= 0 {
		return s.Junction
	}
	return s.Pixels[len(s.Pixels)-1]
}

// DownstreamMinusOne returns the geometry pixel one step upstream of
// Downstream, or Downstream itself for a single-pixel outlet segment.
func (s *Segment) DownstreamMinusOne() int {
	g := s.Geometry()
	if len(g) < 2 {
		return g[0]
	}
	return g[len(g)-2]
}

// Network is the ordered drainage network for one threshold.
type Network struct {
	TFA      int
	Grid     *raster.Grid // flow direction grid the pixel indices refer to
	Segments []Segment
}

// Outlets returns the indices of outlet segments.
func (n *Network) Outlets() []int {
	var out []int
	for i := range n.Segments {
		if n.Segments[i].Outlet() {
			out = append(out, i)
		}
	}
	return out
}

// Build extracts and orders the network. Stream pixels are those whose
// accumulation reaches tfa and whose flow direction is valid. filled
// supplies elevations for drop distances.
func Build(ctx context.Context, dirs, acc, filled *raster.Grid, tfa int) (*Network, error) {
	if !dirs.SameShape(acc) || !dirs.SameShape(filled) {
		return nil, fmt.Errorf("flow direction, accumulation and filled dem must share one grid")
	}
	n := dirs.Len()
	stream := make([]bool, n)
	streamCount := 0
	for i := 0; i < n; i++ {
		v := acc.Data[i]
		if acc.IsNoData(v) || v < float64(tfa) {
			continue
		}
		if dirs.IsNoData(dirs.Data[i]) || !routing.ValidD8(dirs.Data[i]) {
			continue
		}
		stream[i] = true
		streamCount++
	}

	inflow := make([]uint8, n)
	for i := 0; i < n; i++ {
		if !stream[i] {
			continue
		}
		if j, ok := routing.Downstream(dirs, i); ok && stream[j] {
			inflow[j]++
		}
	}

	net := &Network{TFA: tfa, Grid: dirs}
	startOf := make(map[int]int) // first pixel -> segment index
	visited := make([]bool, n)
	seen := 0

	for i := 0; i < n; i++ {
		if i%dirs.Width == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !stream[i] || inflow[i] == 1 {
			continue
		}
		seg := Segment{Junction: -1, Parent: -1}
		cur := i
		for {
			if visited[cur] {
				return nil, fmt.Errorf("%w at pixel %d", ErrCycle, cur)
			}
			visited[cur] = true
			seen++
			seg.Pixels = append(seg.Pixels, cur)

			next, ok := routing.Downstream(dirs, cur)
			if !ok || !stream[next] {
				break
			}
			if inflow[next] >= 2 {
				seg.Junction = next
				break
			}
			cur = next
		}
		startOf[i] = len(net.Segments)
		net.Segments = append(net.Segments, seg)
	}
	if seen != streamCount {
		return nil, fmt.Errorf("%w: %d stream pixels are unreachable from any head", ErrCycle, streamCount-seen)
	}

	for si := range net.Segments {
		seg := &net.Segments[si]
		if seg.Junction >= 0 {
			p, ok := startOf[seg.Junction]
			if !ok {
				return nil, fmt.Errorf("junction pixel %d does not start a segment", seg.Junction)
			}
			seg.Parent = p
			net.Segments[p].Children = append(net.Segments[p].Children, si)
		}
		first, last := seg.Pixels[0], seg.Pixels[len(seg.Pixels)-1]
		seg.UsFA = acc.Data[first]
		seg.DsFA = acc.Data[last]
		seg.UpstreamD8Dir = int(dirs.Data[first])
		seg.DropDistance = filled.Data[first] - filled.Data[seg.Downstream()]
	}

	if err := net.order(); err != nil {
		return nil, err
	}
	net.assignRivers()
	return net, nil
}

// order assigns Strahler orders from the heads down.
func (n *Network) order() error {
	pending := make([]int, len(n.Segments))
	queue := make([]int, 0, len(n.Segments))
	for i := range n.Segments {
		pending[i] = len(n.Segments[i].Children)
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}
	for head := 0; head < len(queue); head++ {
		s := &n.Segments[queue[head]]
		s.Order = strahler(n.Segments, s.Children)
		if s.Parent >= 0 {
			pending[s.Parent]--
			if pending[s.Parent] == 0 {
				queue = append(queue, s.Parent)
			}
		}
	}
	if len(queue) != len(n.Segments) {
		return fmt.Errorf("%w: %d segments never ordered", ErrCycle, len(n.Segments)-len(queue))
	}
	return nil
}

// strahler combines the orders of upstream segments: the maximum, plus one
// when at least two of them share it.
func strahler(segs []Segment, children []int) int {
	if len(children) == 0 {
		return 1
	}
	best, count := 0, 0
	for _, c := range children {
		switch o := segs[c].Order; {
		case o > best:
			best, count = o, 1
		case o == best:
			count++
		}
	}
	if count >= 2 {
		return best + 1
	}
	return best
}

// assignRivers gives every segment the id of the outlet it drains to.
func (n *Network) assignRivers() {
	for id, root := range n.Outlets() {
		stack := []int{root}
		for len(stack) > 0 {
			s := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n.Segments[s].RiverID = id
			stack = append(stack, n.Segments[s].Children...)
		}
	}
}
