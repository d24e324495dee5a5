package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opsconsole/console/internal/board"
	"github.com/opsconsole/console/internal/chat"
	"github.com/opsconsole/console/internal/instance"
)

// OutputFormat selects table or line-delimited JSON output.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// BoardView is what FormatBoard needs from the board store.
type BoardView interface {
	Board() (board.Board, bool)
	Columns() []board.Column
	Cards(columnID int64) []board.Card
	Pending() []board.Mutation
}

// FormatBoard writes each column with its cards in display order. Cards with
// a move awaiting the backend are marked with '*'.
// Returns the number of cards formatted.
func FormatBoard(w io.Writer, view BoardView) int {
	b, ok := view.Board()
	if !ok {
		fmt.Fprintf(w, "No board loaded\n")
		return 0
	}

	pending := make(map[int64]bool)
	for _, m := range view.Pending() {
		pending[m.CardID] = true
	}

	fmt.Fprintf(w, "Board '%s' (id %d):\n", b.Name, b.ID)

	total := 0
	for _, col := range view.Columns() {
		cards := view.Cards(col.ID)
		fmt.Fprintf(w, "\n%s [%d] (%s)\n", col.Name, col.ID, plural(len(cards), "card", "cards"))
		if len(cards) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-3s %-8s %s\n", "POS", "ID", "TITLE")
		fmt.Fprintf(w, "  %-3s %-8s %s\n", "---", "--------", "----------------------------------------")
		for i, card := range cards {
			id := fmt.Sprintf("%d", card.ID)
			if pending[card.ID] {
				id += "*"
			}
			fmt.Fprintf(w, "  %-3d %-8s %s\n", i, id, truncateLine(card.Title, 40))
		}
		total += len(cards)
	}

	fmt.Fprintf(w, "\n%s on board\n", plural(total, "card", "cards"))
	return total
}

// FormatInstances writes instances as a table. The pairing artifact, when
// present, is flagged on its instance's row.
// Returns the number of instances formatted.
func FormatInstances(w io.Writer, instances []instance.Instance, artifact *instance.PairingArtifact, now time.Time) int {
	if len(instances) == 0 {
		fmt.Fprintf(w, "No instances found\n")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-20s %-13s %-8s %s\n", "ID", "NAME", "STATUS", "CHANGED", "NOTE")
	fmt.Fprintf(w, "%-6s %-20s %-13s %-8s %s\n", "------", "--------------------", "-------------", "--------", "------------------------------")

	for _, inst := range instances {
		note := "-"
		switch {
		case inst.ConnectError != "":
			note = truncateLine("error: "+inst.ConnectError, 40)
		case artifact != nil && artifact.InstanceID == inst.ID:
			note = "pairing code ready"
		}
		fmt.Fprintf(w, "%-6d %-20s %-13s %-8s %s\n",
			inst.ID,
			truncateLine(inst.Name, 20),
			inst.Status,
			formatAge(inst.StatusTimestamp, now),
			note,
		)
	}

	fmt.Fprintf(w, "\n%s found\n", plural(len(instances), "instance", "instances"))
	return len(instances)
}

// FormatTranscript writes chat entries oldest first.
func FormatTranscript(w io.Writer, entries []chat.Entry) int {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No messages yet\n")
		return 0
	}
	for _, e := range entries {
		fmt.Fprintf(w, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.SenderID, e.Content)
	}
	return len(entries)
}

// FormatJSONL writes items as line-delimited JSON (JSONL) to the provided writer.
// Each item is written as a single JSON object on its own line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// truncateLine keeps the first non-empty line, cut to max characters.
// Empty input returns "-".
func truncateLine(s string, max int) string {
	var first string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			first = trimmed
			break
		}
	}
	if first == "" {
		return "-"
	}

	runes := []rune(first)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return first
}

// formatAge shows how long ago t was, like "2m ago". Missing times return "-".
func formatAge(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}

	diff := now.Sub(*t)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
