package topology

import (
	"math"
)

// Simulation constants. The schedule follows the usual velocity-Verlet
// force layout: alpha starts at 1 after a restart and decays toward
// alphaTarget, and every tick scales all forces by alpha.
const (
	alphaMin      = 0.001
	alphaTarget   = 0.1
	velocityDecay = 0.4
	// positionStrength pulls every node toward the viewport center
	// along each axis.
	positionStrength = 0.1
	// distanceMin2 keeps coincident bodies from producing infinite charge.
	distanceMin2 = 1.0
	// initialRadius spaces newly placed bodies on a phyllotaxis spiral.
	initialRadius = 10.0
)

var (
	alphaDecay   = 1 - math.Pow(alphaMin, 1.0/300)
	initialAngle = math.Pi * (3 - math.Sqrt(5))
)

// Point is a layout position in viewport coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type body struct {
	id     string
	x, y   float64
	vx, vy float64
}

type spring struct {
	source, target *body
	strength, bias float64
}

// Simulation is a force-directed layout over the graph's nodes and links.
// It is not safe for concurrent use; [Graph] serializes access.
type Simulation struct {
	bodies  []*body
	index   map[string]*body
	springs []spring

	alpha float64

	width, height       float64
	refWidth, refHeight float64
	baseCharge          float64
	baseDistance        float64
	charge              float64
	distance            float64

	placed int
}

// NewSimulation creates an empty simulation for a viewport of the given
// reference size. charge is the many-body strength (negative repels)
// and distance the rest length of every link.
func NewSimulation(width, height, charge, distance float64) *Simulation {
	return &Simulation{
		index:        make(map[string]*body),
		alpha:        1,
		width:        width,
		height:       height,
		refWidth:     width,
		refHeight:    height,
		baseCharge:   charge,
		baseDistance: distance,
		charge:       charge,
		distance:     distance,
	}
}

// SetNodes replaces the body set, in order. Existing bodies keep their
// position and velocity; new ones are placed on a spiral around the
// viewport center.
func (s *Simulation) SetNodes(ids []string) {
	next := make(map[string]*body, len(ids))
	bodies := make([]*body, 0, len(ids))
	for _, id := range ids {
		b, ok := s.index[id]
		if !ok {
			b = s.place(id)
		}
		next[id] = b
		bodies = append(bodies, b)
	}
	s.index = next
	s.bodies = bodies
}

func (s *Simulation) place(id string) *body {
	r := initialRadius * math.Sqrt(0.5+float64(s.placed))
	a := float64(s.placed) * initialAngle
	s.placed++
	return &body{
		id: id,
		x:  s.width/2 + r*math.Cos(a),
		y:  s.height/2 + r*math.Sin(a),
	}
}

// SetLinks replaces the springs. Links whose endpoints are not bodies
// are ignored. Each spring's strength is the inverse of the smaller
// endpoint degree and its bias favors moving the less connected end.
func (s *Simulation) SetLinks(links []Link) {
	count := make(map[string]int, len(s.bodies))
	for _, l := range links {
		count[l.Source]++
		count[l.Target]++
	}

	s.springs = s.springs[:0]
	for _, l := range links {
		src, ok1 := s.index[l.Source]
		tgt, ok2 := s.index[l.Target]
		if !ok1 || !ok2 {
			continue
		}
		cs, ct := float64(count[l.Source]), float64(count[l.Target])
		s.springs = append(s.springs, spring{
			source:   src,
			target:   tgt,
			strength: 1 / math.Min(cs, ct),
			bias:     cs / (cs + ct),
		})
	}
}

// Restart reheats the simulation so the layout re-settles.
func (s *Simulation) Restart() {
	s.alpha = 1
}

// Alpha returns the current cooling parameter.
func (s *Simulation) Alpha() float64 {
	return s.alpha
}

// Resize moves the center to the new viewport and scales charge and
// link distance by min(w,h) relative to the reference viewport, so the
// relative spread of the layout is preserved.
func (s *Simulation) Resize(width, height float64) {
	if width <= 0 || height <= 0 {
		return
	}
	s.width, s.height = width, height
	scale := math.Min(width, height) / math.Min(s.refWidth, s.refHeight)
	s.charge = scale * s.baseCharge
	s.distance = scale * s.baseDistance
}

// Size returns the live viewport.
func (s *Simulation) Size() (width, height float64) {
	return s.width, s.height
}

// Forces returns the scaled charge strength and link distance.
func (s *Simulation) Forces() (charge, distance float64) {
	return s.charge, s.distance
}

// Tick advances the layout by one step.
func (s *Simulation) Tick() {
	s.alpha += (alphaTarget - s.alpha) * alphaDecay

	s.applyCenter()
	s.applyCharge()
	s.applyLinks()
	s.applyPosition()

	for _, b := range s.bodies {
		b.vx *= 1 - velocityDecay
		b.vy *= 1 - velocityDecay
		b.x += b.vx
		b.y += b.vy
	}
}

// applyCenter translates every body so their mean sits at the center.
func (s *Simulation) applyCenter() {
	n := len(s.bodies)
	if n == 0 {
		return
	}
	var sx, sy float64
	for _, b := range s.bodies {
		sx += b.x
		sy += b.y
	}
	dx := sx/float64(n) - s.width/2
	dy := sy/float64(n) - s.height/2
	for _, b := range s.bodies {
		b.x -= dx
		b.y -= dy
	}
}

func (s *Simulation) applyCharge() {
	for i, a := range s.bodies {
		for j, b := range s.bodies {
			if i == j {
				continue
			}
			x := b.x - a.x
			y := b.y - a.y
			if x == 0 {
				x = jiggle(i, j)
			}
			if y == 0 {
				y = jiggle(j, i)
			}
			l := x*x + y*y
			if l < distanceMin2 {
				l = math.Sqrt(distanceMin2 * l)
			}
			w := s.charge * s.alpha / l
			a.vx += x * w
			a.vy += y * w
		}
	}
}

func (s *Simulation) applyLinks() {
	for _, sp := range s.springs {
		x := sp.target.x + sp.target.vx - sp.source.x - sp.source.vx
		y := sp.target.y + sp.target.vy - sp.source.y - sp.source.vy
		if x == 0 && y == 0 {
			x = 1e-6
		}
		l := math.Sqrt(x*x + y*y)
		l = (l - s.distance) / l * s.alpha * sp.strength
		x *= l
		y *= l
		sp.target.vx -= x * sp.bias
		sp.target.vy -= y * sp.bias
		sp.source.vx += x * (1 - sp.bias)
		sp.source.vy += y * (1 - sp.bias)
	}
}

func (s *Simulation) applyPosition() {
	cx, cy := s.width/2, s.height/2
	for _, b := range s.bodies {
		b.vx += (cx - b.x) * positionStrength * s.alpha
		b.vy += (cy - b.y) * positionStrength * s.alpha
	}
}

// jiggle separates coincident bodies deterministically.
func jiggle(i, j int) float64 {
	if i < j {
		return 1e-6
	}
	return -1e-6
}

// Position returns the position of the body with the given id.
func (s *Simulation) Position(id string) (Point, bool) {
	b, ok := s.index[id]
	if !ok {
		return Point{}, false
	}
	return Point{X: b.x, Y: b.y}, true
}

// Positions returns the position of every body keyed by id.
func (s *Simulation) Positions() map[string]Point {
	out := make(map[string]Point, len(s.bodies))
	for _, b := range s.bodies {
		out[b.id] = Point{X: b.x, Y: b.y}
	}
	return out
}
