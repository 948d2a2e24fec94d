// Package main provides the playdeck control CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/osa030/playdeck/internal/api/ws"
	"github.com/osa030/playdeck/internal/app/command"
)

var (
	app    = kingpin.New("playctl", "playdeck playback controller")
	server = app.Flag("server", "Server websocket URL").Default("ws://localhost:8090/ws").String()

	stateCmd = app.Command("state", "Show the current playback state")

	playCmd  = app.Command("play", "Start or resume playback")
	playSlot = playCmd.Flag("slot", "Queue slot to play (default: cursor)").Uint64()

	pauseCmd   = app.Command("pause", "Pause playback")
	resumeCmd  = app.Command("resume", "Resume paused playback")
	stopCmd    = app.Command("stop", "Stop playback")
	nextCmd    = app.Command("next", "Skip to the next track")
	prevCmd    = app.Command("prev", "Skip to the previous track")
	restartCmd = app.Command("restart", "Restart the current track")

	seekCmd = app.Command("seek", "Seek within the current track")
	seekMs  = seekCmd.Arg("position-ms", "Position in milliseconds").Required().Int64()

	volumeCmd   = app.Command("volume", "Set the volume")
	volumeValue = volumeCmd.Arg("percent", "Volume 0-100, or a signed delta like +10").Required().String()

	muteCmd    = app.Command("mute", "Toggle mute")
	shuffleCmd = app.Command("shuffle", "Toggle shuffle")
	repeatCmd  = app.Command("repeat", "Toggle repeat")

	queueCmd = app.Command("queue", "Queue operations")

	queueShowCmd = queueCmd.Command("show", "Show the queue").Default()

	queueAddCmd  = queueCmd.Command("add", "Append tracks or containers")
	queueAddURIs = queueAddCmd.Arg("uri", "Track URIs or container paths").Required().Strings()

	queueInsertCmd  = queueCmd.Command("insert", "Insert tracks after the current one")
	queueInsertURIs = queueInsertCmd.Arg("uri", "Track URIs or container paths").Required().Strings()

	queueReplaceCmd  = queueCmd.Command("replace", "Replace the queue and start playing")
	queueReplaceURIs = queueReplaceCmd.Arg("uri", "Track URIs or container paths").Required().Strings()

	queueRemoveCmd  = queueCmd.Command("remove", "Remove a queue entry")
	queueRemoveSlot = queueRemoveCmd.Arg("slot", "Slot id").Required().Uint64()

	queueMoveCmd   = queueCmd.Command("move", "Move a queue entry")
	queueMoveSlot  = queueMoveCmd.Arg("slot", "Slot id").Required().Uint64()
	queueMoveIndex = queueMoveCmd.Arg("index", "Target index").Required().Int()

	queueJumpCmd  = queueCmd.Command("jump", "Move the cursor to a slot")
	queueJumpSlot = queueJumpCmd.Arg("slot", "Slot id").Required().Uint64()

	queueClearCmd = queueCmd.Command("clear", "Clear the queue, keeping the current track")
	queueClearAll = queueClearCmd.Flag("all", "Also drop the current track and stop").Bool()

	browseCmd  = app.Command("browse", "Browse the provider library")
	browsePath = browseCmd.Arg("path", "Library path (default: root)").String()

	watchCmd = app.Command("watch", "Follow state changes until interrupted")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	cmdName := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := ws.Dial(ctx, *server)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if cmdName == watchCmd.FullCommand() {
		watch(client)
		return
	}

	cmd, ok := buildCommand(cmdName)
	if !ok {
		app.Usage(os.Args[1:])
		os.Exit(1)
	}
	res, err := client.Do(ctx, cmd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	switch cmdName {
	case browseCmd.FullCommand():
		printNode(res.Node, "")
	default:
		printSnapshot(res.Snapshot)
	}
}

func buildCommand(cmdName string) (command.Command, bool) {
	switch cmdName {
	case stateCmd.FullCommand(), queueShowCmd.FullCommand():
		return command.Command{Type: command.TypeGetState}, true
	case playCmd.FullCommand():
		return command.Command{Type: command.TypePlay, Slot: *playSlot}, true
	case pauseCmd.FullCommand():
		return command.Command{Type: command.TypePause}, true
	case resumeCmd.FullCommand():
		return command.Command{Type: command.TypeResume}, true
	case stopCmd.FullCommand():
		return command.Command{Type: command.TypeStop}, true
	case nextCmd.FullCommand():
		return command.Command{Type: command.TypeNext}, true
	case prevCmd.FullCommand():
		return command.Command{Type: command.TypePrevious}, true
	case restartCmd.FullCommand():
		return command.Command{Type: command.TypeRestart}, true
	case seekCmd.FullCommand():
		return command.Command{Type: command.TypeSeek, SeekMs: *seekMs}, true
	case volumeCmd.FullCommand():
		return volumeCommand(*volumeValue)
	case muteCmd.FullCommand():
		return command.Command{Type: command.TypeToggleMute}, true
	case shuffleCmd.FullCommand():
		return command.Command{Type: command.TypeToggleShuffle}, true
	case repeatCmd.FullCommand():
		return command.Command{Type: command.TypeToggleRepeat}, true
	case queueAddCmd.FullCommand():
		return command.Command{Type: command.TypeQueueAppend, URIs: *queueAddURIs}, true
	case queueInsertCmd.FullCommand():
		return command.Command{Type: command.TypeQueueInsert, URIs: *queueInsertURIs}, true
	case queueReplaceCmd.FullCommand():
		return command.Command{Type: command.TypeQueueReplace, URIs: *queueReplaceURIs}, true
	case queueRemoveCmd.FullCommand():
		return command.Command{Type: command.TypeQueueRemove, Slot: *queueRemoveSlot}, true
	case queueMoveCmd.FullCommand():
		return command.Command{Type: command.TypeQueueReorder, Slot: *queueMoveSlot, Index: *queueMoveIndex}, true
	case queueJumpCmd.FullCommand():
		return command.Command{Type: command.TypeQueueJump, Slot: *queueJumpSlot}, true
	case queueClearCmd.FullCommand():
		if *queueClearAll {
			return command.Command{Type: command.TypeQueueClearAll}, true
		}
		return command.Command{Type: command.TypeQueueClearKeepCurrent}, true
	case browseCmd.FullCommand():
		return command.Command{Type: command.TypeBrowse, Path: *browsePath}, true
	}
	return command.Command{}, false
}

// volumeCommand accepts an absolute percentage or a signed delta.
func volumeCommand(arg string) (command.Command, bool) {
	signed := strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-")
	var n int
	if _, err := fmt.Sscanf(strings.TrimPrefix(arg, "+"), "%d", &n); err != nil {
		fmt.Printf("Error: invalid volume %q\n", arg)
		return command.Command{}, false
	}
	if signed {
		return command.Command{Type: command.TypeChangeVolume, Delta: n}, true
	}
	return command.Command{Type: command.TypeSetVolume, Volume: n}, true
}

func watch(client *ws.Client) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			return
		case ev, ok := <-client.Events():
			if !ok {
				fmt.Println("Connection closed")
				return
			}
			switch ev.Type {
			case ws.MessageSnapshot:
				printSnapshot(ev.Snapshot)
			case ws.MessagePosition:
				fmt.Printf("position: %s / %s\n",
					formatMs(ev.Position.PositionMs), formatMs(ev.Position.DurationMs))
			case ws.MessageError:
				fmt.Printf("playback error [%s] %s: %s\n", ev.Error.Kind, ev.Error.Track, ev.Error.Message)
			}
		}
	}
}

func printSnapshot(s *ws.SnapshotPayload) {
	if s == nil {
		return
	}
	flags := []string{fmt.Sprintf("volume=%d%%", s.State.Volume)}
	if s.State.Muted {
		flags = append(flags, "muted")
	}
	if s.State.Shuffle {
		flags = append(flags, "shuffle")
	}
	if s.State.Repeat {
		flags = append(flags, "repeat")
	}
	fmt.Printf("%s  %s / %s  [%s]\n", s.State.Status,
		formatMs(s.State.PositionMs), formatMs(s.State.DurationMs), strings.Join(flags, " "))

	for _, e := range s.Queue {
		marker := "  "
		if e.Slot == s.CursorSlot {
			marker = "> "
		}
		fmt.Printf("%s%4d  %s - %s (%s)\n", marker, e.Slot,
			strings.Join(e.Track.Artists, ", "), e.Track.Title, formatMs(e.Track.DurationMs))
	}
}

func printNode(n *ws.NodePayload, indent string) {
	if n == nil {
		return
	}
	if n.Kind == "track" {
		uri := n.Path
		if n.Track != nil {
			uri = n.Track.URI
		}
		fmt.Printf("%s%s  [%s]\n", indent, n.Name, uri)
	} else {
		fmt.Printf("%s%s/  [%s]\n", indent, n.Name, n.Path)
	}
	for i := range n.Children {
		printNode(&n.Children[i], indent+"  ")
	}
}

func formatMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
