package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nodecollab/internal/collab"
	"nodecollab/internal/models"
	"nodecollab/internal/transport"
)

var sessionName string

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a new session",
	Long: `Create a session on the relay and stay connected as its host.
Lines typed on stdin are sent as edits, see "collabctl help join".`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

var joinCmd = &cobra.Command{
	Use:   "join SESSION_ID",
	Short: "Join an existing session",
	Long: `Join a session and print what other members do.

Lines typed on stdin are sent to the session:
  cursor X Y              move the cursor
  create NODE KIND X Y    create a node
  move NODE X Y           move a node
  delete NODE             delete a node
  set NODE PARAM VALUE    set a node parameter
  connect EDGE FROM:PORT TO:PORT
  disconnect EDGE
  members                 list members
  leave                   leave the session`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	for _, cmd := range []*cobra.Command{hostCmd, joinCmd} {
		cmd.Flags().StringVar(&userID, "user", "", "user id (random when empty)")
		cmd.Flags().StringVar(&userName, "display-name", "", "display name shown to other members")
	}
	hostCmd.Flags().StringVar(&sessionName, "name", "untitled", "session name")
	rootCmd.AddCommand(hostCmd, joinCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := newCoordinator(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	id, err := coord.CreateSession(ctx, sessionName)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer coord.LeaveSession()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s\n", id)
	if link, ok := coord.Link().(interface{ HostToken() string }); ok && link.HostToken() != "" {
		fmt.Fprintf(out, "Host token: %s\n", link.HostToken())
	}
	return interact(ctx, coord, cmd.InOrStdin(), out)
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := newCoordinator(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if !coord.JoinSession(ctx, args[0]) {
		return fmt.Errorf("could not join session %s", args[0])
	}
	defer coord.LeaveSession()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Joined %s (%s)\n", coord.SessionID(), coord.SessionName())
	for _, m := range coord.Members() {
		fmt.Fprintf(out, "  member %s %s\n", m.ID, m.Name)
	}
	return interact(ctx, coord, cmd.InOrStdin(), out)
}

func newCoordinator(out io.Writer) (*collab.Coordinator, error) {
	opts, err := coordinatorOptions()
	if err != nil {
		return nil, err
	}
	tr, err := transport.NewWebSocketTransport(relayURL)
	if err != nil {
		return nil, err
	}
	self := models.PeerInfo{ID: userID, Name: userName}
	if self.ID == "" {
		self.ID = uuid.NewString()[:8]
	}
	if self.Name == "" {
		self.Name = self.ID
	}
	return collab.NewCoordinator(tr, self, printer(out), opts...), nil
}

func printer(out io.Writer) collab.Callbacks {
	return collab.Callbacks{
		OnUserJoined: func(u models.User) {
			fmt.Fprintf(out, "+ %s (%s) joined\n", u.Name, u.ID)
		},
		OnUserLeft: func(u models.User) {
			fmt.Fprintf(out, "- %s (%s) left\n", u.Name, u.ID)
		},
		OnOperationReceived: func(op models.Operation) {
			fmt.Fprintf(out, "op %s from %s: %s\n", op.Type, op.UserID, describe(op.Data))
		},
		OnCursorMoved: func(id string, pos models.CursorPosition) {
			fmt.Fprintf(out, "cursor %s %.1f,%.1f\n", id, pos.X, pos.Y)
		},
		OnConnectionStateChanged: func(s models.ConnectionState) {
			fmt.Fprintf(out, "connection %s\n", s)
		},
	}
}

func describe(data models.OperationData) string {
	switch d := data.(type) {
	case models.NodeCreate:
		return fmt.Sprintf("%s %s at %.1f,%.1f", d.NodeID, d.Kind, d.X, d.Y)
	case models.NodeMove:
		return fmt.Sprintf("%s to %.1f,%.1f", d.NodeID, d.X, d.Y)
	case models.NodeDelete:
		return d.NodeID
	case models.NodeUpdate:
		return fmt.Sprintf("%s %s=%s", d.NodeID, d.Param, d.Value)
	case models.EdgeConnect:
		return fmt.Sprintf("%s %s:%s -> %s:%s", d.EdgeID, d.FromNode, d.FromPort, d.ToNode, d.ToPort)
	case models.EdgeDisconnect:
		return d.EdgeID
	default:
		return fmt.Sprintf("%+v", data)
	}
}

var errLeave = errors.New("leave")

// interact feeds stdin commands to coord until ctx is done, stdin ends or
// the session goes away.
func interact(ctx context.Context, coord *collab.Coordinator, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !coord.State().InSession() {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep printing events until interrupted
				lines = nil
				continue
			}
			err := execLine(coord, line, out)
			if errors.Is(err, errLeave) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if !coord.State().InSession() {
				return nil
			}
		}
	}
}

func execLine(coord *collab.Coordinator, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "leave", "quit":
		return errLeave
	case "members":
		for _, m := range coord.Members() {
			fmt.Fprintf(out, "  %s %s %s active=%v\n", m.ID, m.Name, m.Color, m.IsActive)
		}
		return nil
	case "cursor":
		x, y, err := parsePoint(fields[1:])
		if err != nil {
			return err
		}
		return coord.UpdateCursor(x, y)
	}
	data, err := parseOperation(fields)
	if err != nil {
		return err
	}
	return coord.SendOperation(models.NewOperation(data))
}

func parseOperation(fields []string) (models.OperationData, error) {
	switch fields[0] {
	case "create":
		if len(fields) != 5 {
			return nil, errors.New("usage: create NODE KIND X Y")
		}
		x, y, err := parsePoint(fields[3:])
		if err != nil {
			return nil, err
		}
		return models.NodeCreate{NodeID: fields[1], Kind: fields[2], X: x, Y: y}, nil
	case "move":
		if len(fields) != 4 {
			return nil, errors.New("usage: move NODE X Y")
		}
		x, y, err := parsePoint(fields[2:])
		if err != nil {
			return nil, err
		}
		return models.NodeMove{NodeID: fields[1], X: x, Y: y}, nil
	case "delete":
		if len(fields) != 2 {
			return nil, errors.New("usage: delete NODE")
		}
		return models.NodeDelete{NodeID: fields[1]}, nil
	case "set":
		if len(fields) < 4 {
			return nil, errors.New("usage: set NODE PARAM VALUE")
		}
		return models.NodeUpdate{NodeID: fields[1], Param: fields[2], Value: strings.Join(fields[3:], " ")}, nil
	case "connect":
		if len(fields) != 4 {
			return nil, errors.New("usage: connect EDGE FROM:PORT TO:PORT")
		}
		fromNode, fromPort, ok1 := strings.Cut(fields[2], ":")
		toNode, toPort, ok2 := strings.Cut(fields[3], ":")
		if !ok1 || !ok2 {
			return nil, errors.New("endpoints must be NODE:PORT")
		}
		return models.EdgeConnect{EdgeID: fields[1], FromNode: fromNode, FromPort: fromPort, ToNode: toNode, ToPort: toPort}, nil
	case "disconnect":
		if len(fields) != 2 {
			return nil, errors.New("usage: disconnect EDGE")
		}
		return models.EdgeDisconnect{EdgeID: fields[1]}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}

func parsePoint(fields []string) (float64, float64, error) {
	if len(fields) != 2 {
		return 0, 0, errors.New("expected X Y")
	}
	x, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad x: %w", err)
	}
	y, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad y: %w", err)
	}
	return x, y, nil
}
