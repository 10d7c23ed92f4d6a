package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_IsTimeOrdered(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestNode_JSONFieldNames(t *testing.T) {
	n := Node{
		ID:       "n1",
		Position: Position{X: 1, Y: 2},
		Shape: Shape{
			Kind:        ShapeKindRectangle,
			Size:        Size{Width: 10, Height: 5},
			Image:       &ImageRef{Src: "a.png", Width: 4, Height: 4, Anchor: ImageAnchorTopRight},
			TextEnabled: true,
		},
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	shape := raw["shape"].(map[string]any)
	assert.Equal(t, "rectangle", shape["shape"])
	assert.Equal(t, true, shape["isTextEnabled"])
	assert.Equal(t, "TR", shape["imageProps"].(map[string]any)["position"])
}

func TestNodeUpdates(t *testing.T) {
	n := NewNode(Position{}, Shape{Kind: ShapeKindCircle})

	tests := []struct {
		name   string
		update NodeUpdate
		check  func(t *testing.T, n Node)
	}{
		{"position", SetPosition{X: 3, Y: 4}, func(t *testing.T, n Node) { assert.Equal(t, Position{X: 3, Y: 4}, n.Position) }},
		{"kind", SetShapeKind(ShapeKindCustom), func(t *testing.T, n Node) { assert.Equal(t, ShapeKindCustom, n.Shape.Kind) }},
		{"size", SetSize{Radius: 7}, func(t *testing.T, n Node) { assert.Equal(t, 7.0, n.Shape.Size.Radius) }},
		{"color", SetColor("#ff0000"), func(t *testing.T, n Node) { assert.Equal(t, "#ff0000", n.Shape.Color) }},
		{"text", SetText("hello"), func(t *testing.T, n Node) { assert.Equal(t, "hello", n.Shape.Text) }},
		{"image", SetImage{Src: "x.png"}, func(t *testing.T, n Node) { require.NotNil(t, n.Shape.Image); assert.Equal(t, "x.png", n.Shape.Image.Src) }},
		{"clear image", ClearImage{}, func(t *testing.T, n Node) { assert.Nil(t, n.Shape.Image) }},
		{"text enabled", SetTextEnabled(true), func(t *testing.T, n Node) { assert.True(t, n.Shape.TextEnabled) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.update.ApplyNode(&n)
			tt.check(t, n)
		})
	}
}

func TestNode_CloneIsDeep(t *testing.T) {
	n := Node{ID: "n1", Shape: Shape{Image: &ImageRef{Src: "a"}, ConnectableTypes: []string{"db"}}}
	c := n.Clone()
	c.Shape.Image.Src = "b"
	c.Shape.ConnectableTypes[0] = "queue"
	assert.Equal(t, "a", n.Shape.Image.Src)
	assert.Equal(t, "db", n.Shape.ConnectableTypes[0])
}

func TestNode_CanConnectTo(t *testing.T) {
	service := Node{Shape: Shape{TypeName: "service", ConnectableTypes: []string{"db"}}}
	db := Node{Shape: Shape{TypeName: "db"}}
	assert.True(t, service.CanConnectTo(db))
	assert.False(t, service.CanConnectTo(service))
	assert.True(t, db.CanConnectTo(service))
}

func TestEdge_PairAndUpdates(t *testing.T) {
	e := NewEdge("b", "a")
	assert.Equal(t, "a|b", e.PairKey())
	assert.Equal(t, NewEdge("a", "b").PairKey(), e.PairKey())
	assert.True(t, e.Connects("a", "b"))
	assert.True(t, e.Touches("a"))
	assert.False(t, e.Touches("c"))

	SetEdgeText("label").ApplyEdge(&e)
	require.NotNil(t, e.Text)
	assert.Equal(t, "label", *e.Text)
	ClearEdgeText{}.ApplyEdge(&e)
	assert.Nil(t, e.Text)

	SetEdgeLine(LineDashed).ApplyEdge(&e)
	SetEdgeArrow(ArrowBoth).ApplyEdge(&e)
	SetEdgeEndpoints{From: "c", To: "d"}.ApplyEdge(&e)
	assert.Equal(t, LineDashed, e.Line)
	assert.Equal(t, ArrowBoth, e.Arrow)
	assert.Equal(t, "c|d", e.PairKey())
}
