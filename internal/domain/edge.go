package domain

// LineStyle represents how an edge is stroked
type LineStyle string

const (
	LineSolid  LineStyle = "solid"
	LineDashed LineStyle = "dashed"
	LineDotted LineStyle = "dotted"
)

// ArrowStyle represents which ends of an edge carry an arrow head
type ArrowStyle string

const (
	ArrowNone  ArrowStyle = "none"
	ArrowEnd   ArrowStyle = "end"
	ArrowStart ArrowStyle = "start"
	ArrowBoth  ArrowStyle = "both"
)

// Edge represents a connection between two nodes.
// From and To are soft references and may dangle after a concurrent delete.
type Edge struct {
	ID    string     `json:"id"`
	From  string     `json:"from"`
	To    string     `json:"to"`
	Text  *string    `json:"text,omitempty"`
	Line  LineStyle  `json:"lineStyle"`
	Arrow ArrowStyle `json:"arrowStyle"`
}

// NewEdge creates a solid edge without arrow heads
func NewEdge(from, to string) Edge {
	return Edge{
		ID:    NewID(),
		From:  from,
		To:    to,
		Line:  LineSolid,
		Arrow: ArrowNone,
	}
}

// Connects reports whether the edge joins a and b in either direction
func (e Edge) Connects(a, b string) bool {
	return (e.From == a && e.To == b) || (e.From == b && e.To == a)
}

// Touches reports whether the edge has id as an endpoint
func (e Edge) Touches(id string) bool {
	return e.From == id || e.To == id
}

// PairKey returns a key identifying the unordered endpoint pair
func (e Edge) PairKey() string {
	if e.From < e.To {
		return e.From + "|" + e.To
	}
	return e.To + "|" + e.From
}

// Clone returns a deep copy of the edge
func (e Edge) Clone() Edge {
	out := e
	if e.Text != nil {
		text := *e.Text
		out.Text = &text
	}
	return out
}

// EdgeUpdate is a typed modification applied to an edge
type EdgeUpdate interface {
	ApplyEdge(e *Edge)
}

// SetEdgeText sets the edge label
type SetEdgeText string

func (u SetEdgeText) ApplyEdge(e *Edge) {
	text := string(u)
	e.Text = &text
}

// ClearEdgeText removes the edge label
type ClearEdgeText struct{}

func (ClearEdgeText) ApplyEdge(e *Edge) { e.Text = nil }

// SetEdgeLine changes the stroke
type SetEdgeLine LineStyle

func (u SetEdgeLine) ApplyEdge(e *Edge) { e.Line = LineStyle(u) }

// SetEdgeArrow changes the arrow heads
type SetEdgeArrow ArrowStyle

func (u SetEdgeArrow) ApplyEdge(e *Edge) { e.Arrow = ArrowStyle(u) }

// SetEdgeEndpoints reconnects the edge
type SetEdgeEndpoints struct {
	From string
	To   string
}

func (u SetEdgeEndpoints) ApplyEdge(e *Edge) {
	e.From = u.From
	e.To = u.To
}
