package domain

import (
	"github.com/google/uuid"
)

// Collection names of the shared document
const (
	CollectionShapes = "shapes"
	CollectionEdges  = "edges"
)

// ShapeKind represents the kind of a shape
type ShapeKind string

const (
	// ShapeKindRectangle represents a rectangle
	ShapeKindRectangle ShapeKind = "rectangle"
	// ShapeKindCircle represents a circle
	ShapeKindCircle ShapeKind = "circle"
	// ShapeKindCustom represents a user defined template
	ShapeKindCustom ShapeKind = "custom"
)

// ImageAnchor is the corner an attached image is pinned to
type ImageAnchor string

const (
	ImageAnchorTopLeft     ImageAnchor = "TL"
	ImageAnchorTopRight    ImageAnchor = "TR"
	ImageAnchorBottomLeft  ImageAnchor = "BL"
	ImageAnchorBottomRight ImageAnchor = "BR"
)

// Position represents a point on the canvas
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size represents the dimensions of a shape
type Size struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Radius float64 `json:"radius,omitempty"`
}

// ImageRef represents an image attached to a shape
type ImageRef struct {
	Src    string      `json:"src"`
	Width  float64     `json:"width"`
	Height float64     `json:"height"`
	Anchor ImageAnchor `json:"position"`
}

// Shape represents the visual description of a node
type Shape struct {
	Kind             ShapeKind `json:"shape"`
	Size             Size      `json:"size"`
	Color            string    `json:"color,omitempty"`
	Text             string    `json:"text,omitempty"`
	Image            *ImageRef `json:"imageProps,omitempty"`
	TextEnabled      bool      `json:"isTextEnabled"`
	TypeName         string    `json:"typeName,omitempty"`
	TypeDescription  string    `json:"typeDescription,omitempty"`
	ConnectableTypes []string  `json:"connectableTypes,omitempty"`
}

// Node represents a shape placed on the canvas
type Node struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Shape    Shape    `json:"shape"`
}

// NodeMove is one entry of a batched position update
type NodeMove struct {
	ID       string
	Position Position
}

// NewID generates a node or edge id.
// Ids are time ordered, so sorting by id keeps creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewNode creates a node with a fresh id
func NewNode(position Position, shape Shape) Node {
	return Node{
		ID:       NewID(),
		Position: position,
		Shape:    shape,
	}
}

// Clone returns a deep copy of the node
func (n Node) Clone() Node {
	out := n
	if n.Shape.Image != nil {
		img := *n.Shape.Image
		out.Shape.Image = &img
	}
	if n.Shape.ConnectableTypes != nil {
		out.Shape.ConnectableTypes = append([]string(nil), n.Shape.ConnectableTypes...)
	}
	return out
}

// CanConnectTo reports whether an edge from n to other is allowed by n's template.
// A node without connectable types accepts any target.
func (n Node) CanConnectTo(other Node) bool {
	if len(n.Shape.ConnectableTypes) == 0 {
		return true
	}
	for _, t := range n.Shape.ConnectableTypes {
		if t == other.Shape.TypeName {
			return true
		}
	}
	return false
}

// NodeUpdate is a typed modification applied to a node
type NodeUpdate interface {
	ApplyNode(n *Node)
}

// SetPosition moves the node
type SetPosition Position

func (u SetPosition) ApplyNode(n *Node) { n.Position = Position(u) }

// SetShapeKind changes the kind of the shape
type SetShapeKind ShapeKind

func (u SetShapeKind) ApplyNode(n *Node) { n.Shape.Kind = ShapeKind(u) }

// SetSize resizes the shape
type SetSize Size

func (u SetSize) ApplyNode(n *Node) { n.Shape.Size = Size(u) }

// SetColor changes the fill color
type SetColor string

func (u SetColor) ApplyNode(n *Node) { n.Shape.Color = string(u) }

// SetText changes the label
type SetText string

func (u SetText) ApplyNode(n *Node) { n.Shape.Text = string(u) }

// SetImage attaches an image
type SetImage ImageRef

func (u SetImage) ApplyNode(n *Node) {
	img := ImageRef(u)
	n.Shape.Image = &img
}

// ClearImage removes the attached image
type ClearImage struct{}

func (ClearImage) ApplyNode(n *Node) { n.Shape.Image = nil }

// SetTextEnabled toggles the label
type SetTextEnabled bool

func (u SetTextEnabled) ApplyNode(n *Node) { n.Shape.TextEnabled = bool(u) }
