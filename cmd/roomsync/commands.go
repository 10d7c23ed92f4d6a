package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"diagramsync/internal/domain"
	"diagramsync/internal/session"
)

const helpText = `commands:
  add <id|-> <rect|circle> <x> <y> [text]   add a node
  move <id> <x> <y>                         move a node
  text <id> <text>                          set node text
  color <id> <color>                        set node color
  rm <id>                                   remove a node and its edges
  edge <from> <to> [id]                     connect two nodes
  unedge <id>                               remove an edge
  undo | redo                               undo or redo a local change
  cursor <x> <y>                            share the cursor position
  name <display name>                       change the display name
  room <id>                                 switch rooms
  ls                                        list nodes and edges
  who                                       list participants
  quit`

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// executor runs text commands against the current session of a controller.
type executor struct {
	ctrl *session.Controller
	out  io.Writer
}

func (e *executor) run(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(e.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "room":
		if len(args) != 1 {
			return usage("room <id>")
		}
		s, err := e.ctrl.Enter(ctx, args[0])
		if err != nil {
			return err
		}
		if err := waitActive(ctx, s); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "joined %s\n", args[0])
		return nil
	}

	s := e.ctrl.Current()
	if s == nil || s.State() != session.StateActive {
		return errors.New("not in an active room")
	}
	c := s.Canvas()

	switch cmd {
	case "add":
		if len(args) < 4 {
			return usage("add <id|-> <rect|circle> <x> <y> [text]")
		}
		kind, err := parseKind(args[1])
		if err != nil {
			return err
		}
		pos, err := parsePosition(args[2], args[3])
		if err != nil {
			return err
		}
		shape := domain.Shape{Kind: kind, Size: domain.Size{Width: 120, Height: 60}}
		if kind == domain.ShapeKindCircle {
			shape.Size = domain.Size{Radius: 40}
		}
		if len(args) > 4 {
			shape.Text = strings.Join(args[4:], " ")
			shape.TextEnabled = true
		}
		node := domain.NewNode(pos, shape)
		if args[0] != "-" {
			node.ID = args[0]
		}
		if err := c.AddNode(node); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "added %s\n", node.ID)

	case "move":
		if len(args) != 3 {
			return usage("move <id> <x> <y>")
		}
		pos, err := parsePosition(args[1], args[2])
		if err != nil {
			return err
		}
		return c.MoveNodes([]domain.NodeMove{{ID: args[0], Position: pos}})

	case "text":
		if len(args) < 2 {
			return usage("text <id> <text>")
		}
		return c.UpdateNode(args[0], domain.SetText(strings.Join(args[1:], " ")), domain.SetTextEnabled(true))

	case "color":
		if len(args) != 2 {
			return usage("color <id> <color>")
		}
		return c.UpdateNode(args[0], domain.SetColor(args[1]))

	case "rm":
		if len(args) != 1 {
			return usage("rm <id>")
		}
		return c.RemoveNode(args[0])

	case "edge":
		if len(args) < 2 || len(args) > 3 {
			return usage("edge <from> <to> [id]")
		}
		edge := domain.NewEdge(args[0], args[1])
		if len(args) == 3 {
			edge.ID = args[2]
		}
		added, err := c.AddEdge(edge)
		if err != nil {
			return err
		}
		if !added {
			fmt.Fprintf(e.out, "%s and %s are already connected\n", args[0], args[1])
			return nil
		}
		fmt.Fprintf(e.out, "added %s\n", edge.ID)

	case "unedge":
		if len(args) != 1 {
			return usage("unedge <id>")
		}
		return c.RemoveEdge(args[0])

	case "undo":
		if !s.Undo().Undo() {
			fmt.Fprintln(e.out, "nothing to undo")
		}
	case "redo":
		if !s.Undo().Redo() {
			fmt.Fprintln(e.out, "nothing to redo")
		}

	case "cursor":
		if len(args) != 2 {
			return usage("cursor <x> <y>")
		}
		pos, err := parsePosition(args[0], args[1])
		if err != nil {
			return err
		}
		s.Awareness().SetCursor(pos.X, pos.Y)

	case "name":
		if len(args) == 0 {
			return usage("name <display name>")
		}
		s.SetDisplayName(strings.Join(args, " "))

	case "ls":
		e.list(s)

	case "who":
		e.who(s)

	default:
		return errors.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (e *executor) list(s *session.Session) {
	snap := s.Projection().Flush()
	for _, n := range snap.Nodes {
		fmt.Fprintf(e.out, "node %s %s at (%g, %g) %q\n", n.ID, n.Shape.Kind, n.Position.X, n.Position.Y, n.Shape.Text)
	}
	for _, edge := range snap.Edges {
		fmt.Fprintf(e.out, "edge %s %s -> %s\n", edge.ID, edge.From, edge.To)
	}
	for _, group := range s.Canvas().DuplicateEdges() {
		ids := make([]string, 0, len(group))
		for _, edge := range group {
			ids = append(ids, edge.ID)
		}
		fmt.Fprintf(e.out, "warning: duplicate edges %s\n", strings.Join(ids, ", "))
	}
}

func (e *executor) who(s *session.Session) {
	states := s.Awareness().States()
	sort.Slice(states, func(i, j int) bool { return states[i].ClientID < states[j].ClientID })

	local := s.Awareness().ClientID()
	for _, st := range states {
		marker := " "
		if st.ClientID == local {
			marker = "*"
		}
		cursor := ""
		if st.Cursor != nil {
			cursor = fmt.Sprintf(" at (%g, %g)", st.Cursor.X, st.Cursor.Y)
		}
		fmt.Fprintf(e.out, "%s %s %s%s\n", marker, st.User.Name, st.User.Color, cursor)
	}
}

func usage(s string) error {
	return errors.Errorf("usage: %s", s)
}

func parseKind(s string) (domain.ShapeKind, error) {
	switch s {
	case "rect", "rectangle":
		return domain.ShapeKindRectangle, nil
	case "circle":
		return domain.ShapeKindCircle, nil
	case "custom":
		return domain.ShapeKindCustom, nil
	}
	return "", errors.Errorf("unknown shape %q", s)
}

func parsePosition(xs, ys string) (domain.Position, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return domain.Position{}, errors.Wrapf(err, "invalid x %q", xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return domain.Position{}, errors.Wrapf(err, "invalid y %q", ys)
	}
	return domain.Position{X: x, Y: y}, nil
}
