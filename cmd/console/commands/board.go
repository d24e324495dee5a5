package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opsconsole/console/internal/board"
	"github.com/opsconsole/console/internal/render"
	"github.com/spf13/cobra"
)

var (
	boardOutputFormat string
	boardMoveFrom     string
	boardMoveTo       string
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Inspect and rearrange the CRM board",
}

var boardShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the board's columns and cards",
	Long: `Show the board's columns and cards in display order.

The board is board.id from the profile, or the first board the backend
lists.

Output Formats:
  default - Columns with their cards as tables
  jsonl   - Line-delimited JSON, one card per line`,
	Args: cobra.NoArgs,
	RunE: runBoardShow,
}

var boardMoveCmd = &cobra.Command{
	Use:   "move CARD_ID --to COLUMN:INDEX",
	Short: "Move a card to another position",
	Long: `Move a card and persist the move.

The card is moved locally first and the change sent to the backend. If the
backend rejects it, the move is reverted and the command fails.

Positions are COLUMN_ID:INDEX, with INDEX counted from 0 at the top of the
column. --from defaults to the card's current position.

Examples:
  # Move card 42 to the top of column 7
  console board move 42 --to 7:0

  # Move it only if it is still where it was
  console board move 42 --from 3:1 --to 7:0`,
	Args: cobra.ExactArgs(1),
	RunE: runBoardMove,
}

func init() {
	boardShowCmd.Flags().StringVarP(&boardOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	boardMoveCmd.Flags().StringVar(&boardMoveFrom, "from", "", "Current position COLUMN:INDEX (default: where the card is)")
	boardMoveCmd.Flags().StringVar(&boardMoveTo, "to", "", "Target position COLUMN:INDEX (required)")
	boardMoveCmd.MarkFlagRequired("to")

	boardCmd.AddCommand(boardShowCmd)
	boardCmd.AddCommand(boardMoveCmd)
	rootCmd.AddCommand(boardCmd)
}

func runBoardShow(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	var outputFormat render.OutputFormat
	switch boardOutputFormat {
	case "default":
		outputFormat = render.OutputFormatDefault
	case "jsonl":
		outputFormat = render.OutputFormatJSONL
	default:
		return e.p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", boardOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}
	if err := rt.LoadBoard(cmd.Context()); err != nil {
		return e.boardFailed(err)
	}

	store := rt.Board()
	if outputFormat == render.OutputFormatJSONL {
		var cards []board.Card
		for _, col := range store.Columns() {
			cards = append(cards, store.Cards(col.ID)...)
		}
		return render.FormatJSONL(cmd.OutOrStdout(), cards)
	}

	render.FormatBoard(cmd.OutOrStdout(), store)
	return nil
}

func runBoardMove(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}

	cardID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || cardID <= 0 {
		return e.p.Error("invalid card id", fmt.Sprintf("%q is not a card id.", args[0]), nil)
	}
	to, err := parseLocation(boardMoveTo)
	if err != nil {
		return e.p.Error("invalid --to position", err.Error(), []string{"Use COLUMN_ID:INDEX, e.g. --to 7:0"})
	}

	rt, err := e.runtime(cmd)
	if err != nil {
		return err
	}
	if err := rt.LoadBoard(cmd.Context()); err != nil {
		return e.boardFailed(err)
	}

	var from board.Location
	if boardMoveFrom != "" {
		if from, err = parseLocation(boardMoveFrom); err != nil {
			return e.p.Error("invalid --from position", err.Error(), []string{"Use COLUMN_ID:INDEX, e.g. --from 3:1"})
		}
	} else {
		loc, ok := rt.Board().Locate(cardID)
		if !ok {
			return e.p.Error(
				fmt.Sprintf("card %d not found", cardID),
				"The card is not on the loaded board.",
				[]string{"List the board:\n  console board show"},
			)
		}
		from = loc
	}

	m, err := rt.MoveCard(cmd.Context(), board.DragResult{CardID: cardID, Source: from, Destination: &to})
	if err != nil {
		var rollback *board.RollbackError
		switch {
		case errors.As(err, &rollback):
			return e.p.ErrorWithContext(
				"move rejected",
				"The backend rejected the move and it was reverted.",
				map[string]string{"card": strconv.FormatInt(cardID, 10), "reason": rollback.Err.Error()},
				nil,
			)
		case errors.Is(err, board.ErrInvalidDrag):
			return e.p.Error("invalid move", err.Error(), []string{"Check positions with:\n  console board show"})
		default:
			return e.boardFailed(err)
		}
	}

	if m == nil {
		e.p.Info("Card %d is already at %s\n", cardID, to)
		return nil
	}
	e.p.Success("Moved card %d from %s to %s\n", cardID, from, to)
	return nil
}

func (e *env) boardFailed(err error) error {
	if errors.Is(err, board.ErrNoBoard) {
		return e.p.Error("no board found", "The backend has no board for this account.", nil)
	}
	return e.backendFailed("load the board", err)
}

// parseLocation parses COLUMN_ID:INDEX.
func parseLocation(s string) (board.Location, error) {
	col, idx, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return board.Location{}, fmt.Errorf("position %q is not COLUMN_ID:INDEX", s)
	}
	columnID, err := strconv.ParseInt(col, 10, 64)
	if err != nil || columnID <= 0 {
		return board.Location{}, fmt.Errorf("invalid column id %q", col)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return board.Location{}, fmt.Errorf("invalid index %q", idx)
	}
	return board.Location{ColumnID: columnID, Index: index}, nil
}
