// Package cli implements the interactive operator console.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tether/internal/config"
	"github.com/energizer-project/tether/internal/events"
	"github.com/energizer-project/tether/internal/health"
	"github.com/energizer-project/tether/internal/registry"
	"github.com/energizer-project/tether/internal/scheduler"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg         *config.Config
	eventBus    *events.EventBus
	reg         *registry.Registry
	broadcaster *scheduler.Broadcaster
	ticks       *health.TickMonitor

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// broadcaster and ticks may be nil.
func NewCLI(
	cfg *config.Config,
	eventBus *events.EventBus,
	reg *registry.Registry,
	broadcaster *scheduler.Broadcaster,
	ticks *health.TickMonitor,
	in io.Reader,
	out io.Writer,
) *CLI {
	return &CLI{
		cfg:         cfg,
		eventBus:    eventBus,
		reg:         reg,
		broadcaster: broadcaster,
		ticks:       ticks,
		in:          in,
		out:         out,
	}
}

// Start runs the read-eval loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ntether console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "tether> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Msg("console input closed")
				return
			}
			if quit := c.handleLine(ctx, line); quit {
				return
			}
		}
	}
}

// handleLine executes one input line and reports whether the console
// should stop.
func (c *CLI) handleLine(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])

	if err := c.execute(ctx, cmd, parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return cmd == "quit" || cmd == "exit" || cmd == "q"
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "kick":
		return c.cmdKick(ctx, args)
	case "say":
		return c.cmdSay(ctx, args)
	case "ticks":
		c.printTicks()
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down tether...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status [id]         Show all participants or one participant
  kick <id> [reason]  Close a participant's session
  say <message>       Send an announcement to every participant
  ticks               Show broadcast loop statistics
  setconfig <k> <v>   Update a server_data field
  quit                Shut down the server
  help                Show this help message`)
}

// printStatus displays participants in a table, or one participant in detail.
func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		p, ok := c.reg.Get(args[0])
		if !ok {
			return fmt.Errorf("participant %s not found", args[0])
		}
		c.printParticipant(p.State())
		return nil
	}

	entries := c.reg.Snapshot()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].State.JoinedAt.Before(entries[j].State.JoinedAt)
	})

	fmt.Fprintf(c.out, "\n%d participant(s) connected\n", len(entries))
	if len(entries) == 0 {
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Name", "Remote", "Position", "Input", "Idle", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, e := range entries {
		st := e.State
		idle := "-"
		if !st.LastUpdate.IsZero() {
			idle = now.Sub(st.LastUpdate).Round(time.Second).String()
		}
		tw.Append([]string{
			st.ID,
			st.DisplayName,
			st.RemoteAddr,
			fmt.Sprintf("%.1f, %.1f, %.1f", st.Position.X, st.Position.Y, st.Position.Z),
			fmt.Sprintf("%08b", st.Input),
			idle,
			now.Sub(st.JoinedAt).Round(time.Second).String(),
		})
	}

	tw.Render()
	return nil
}

func (c *CLI) printParticipant(st registry.State) {
	fmt.Fprintf(c.out, "\n  ID:          %s\n", st.ID)
	fmt.Fprintf(c.out, "  Name:        %s\n", st.DisplayName)
	fmt.Fprintf(c.out, "  Remote:      %s\n", st.RemoteAddr)
	fmt.Fprintf(c.out, "  Joined:      %s\n", st.JoinedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Position:    %.3f, %.3f, %.3f\n", st.Position.X, st.Position.Y, st.Position.Z)
	fmt.Fprintf(c.out, "  Rotation:    %.3f, %.3f, %.3f\n", st.Rotation.X, st.Rotation.Y, st.Rotation.Z)
	fmt.Fprintf(c.out, "  Velocity:    %.3f, %.3f, %.3f\n", st.Velocity.X, st.Velocity.Y, st.Velocity.Z)
	fmt.Fprintf(c.out, "  Input:       %08b\n", st.Input)
	if st.LastUpdate.IsZero() {
		fmt.Fprintln(c.out, "  Last update: never")
	} else {
		fmt.Fprintf(c.out, "  Last update: %s\n", st.LastUpdate.Format(time.RFC3339Nano))
	}
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id> [reason]")
	}
	reason := "kicked from console"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	err := c.eventBus.EmitSync(ctx, events.Event{
		Type:    events.EventKickParticipant,
		Source:  "cli",
		Payload: events.KickParticipantPayload{ID: args[0], Reason: reason},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked %s\n", args[0])
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: say <message>")
	}
	message := strings.Join(args, " ")

	err := c.eventBus.EmitSync(ctx, events.Event{
		Type:    events.EventAnnounce,
		Source:  "cli",
		Payload: events.AnnouncePayload{Message: message},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Announced to %d participant(s): %s\n", c.reg.Len(), message)
	return nil
}

func (c *CLI) printTicks() {
	if c.broadcaster != nil {
		stats := c.broadcaster.Stats()
		fmt.Fprintf(c.out, "\n  Interval:      %s\n", stats.Interval)
		fmt.Fprintf(c.out, "  Ticks:         %d (%d skipped)\n", stats.Ticks, stats.Skipped)
		fmt.Fprintf(c.out, "  Datagrams:     %d sent, %d failed\n", stats.Sent, stats.Failed)
		fmt.Fprintf(c.out, "  Overruns:      %d\n", stats.Overruns)
		fmt.Fprintf(c.out, "  Last duration: %s\n", stats.LastDuration)
	}
	if c.ticks != nil {
		data := c.ticks.Data()
		fmt.Fprintf(c.out, "  Last hour:     %d overrun(s), max %s, avg %s\n",
			data.OverrunsInHour, data.MaxDuration, data.AvgDuration)
		if alert := c.ticks.CheckThresholds(); alert != nil {
			fmt.Fprintf(c.out, "  Alert:         [%s] %s\n", alert.Level, alert.Message)
		}
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	prev := c.cfg.GetServerData()
	if err := c.cfg.UpdateServerField(key, parseValue(raw)); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetServerData(prev)
		return result.Errors[0]
	}
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

// parseValue converts console input to the JSON type a config field expects.
func parseValue(raw string) interface{} {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
