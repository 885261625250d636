package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dpn/pkg/types"
	"dpn/pkg/workflow"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4")).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)
)

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [correlation-id]",
		Short: "Show workflow records",
		Long:  `List the most recently updated workflow records, or every record of one transaction.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()

			if len(args) == 1 {
				tx, recs, err := n.Status(ctx, types.CorrelationID(args[0]))
				if err != nil {
					return err
				}
				fmt.Println(renderTransaction(tx))
				fmt.Println(renderRecords(recs))
				return nil
			}

			recs, err := n.Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("Recent records on %s", n.Name())))
			fmt.Println(renderRecords(recs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of records to list")
	return cmd
}

func renderTransaction(tx *workflow.Transaction) string {
	selected := "pending"
	if tx.SelectedAt != nil {
		selected = tx.SelectedAt.Format(time.RFC3339)
	}
	lines := []string{
		titleStyle.Render("Transaction " + string(tx.CorrelationID)),
		labelStyle.Render("Object") + valueStyle.Render(string(tx.ObjectID)),
		labelStyle.Render("Action") + valueStyle.Render(string(tx.Action)),
		labelStyle.Render("Role") + valueStyle.Render(string(tx.Role)),
		labelStyle.Render("Initiator") + valueStyle.Render(string(tx.Initiator)),
		labelStyle.Render("Created") + valueStyle.Render(tx.CreatedAt.Format(time.RFC3339)),
		labelStyle.Render("Selected") + valueStyle.Render(selected),
	}
	return strings.Join(lines, "\n")
}

func stateStyle(s types.State) lipgloss.Style {
	base := lipgloss.NewStyle().Padding(0, 1)
	switch s {
	case types.StateSuccess:
		return base.Foreground(lipgloss.Color("#42c767")).Bold(true)
	case types.StateFailed:
		return base.Foreground(lipgloss.Color("#ff6b6b")).Bold(true)
	case types.StateCancelled:
		return base.Foreground(lipgloss.Color("#6272A4"))
	}
	return base.Foreground(lipgloss.Color("#FFB86C"))
}

func renderRecords(recs []*workflow.Record) string {
	if len(recs) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Render("No records")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			case col == 5:
				return stateStyle(recs[row].State)
			default:
				return lipgloss.NewStyle().Padding(0, 1)
			}
		}).
		Headers("CORRELATION", "OBJECT", "ACTION", "PEER", "STEP", "STATE", "SEQ", "UPDATED", "NOTE")

	for _, r := range recs {
		t.Row(
			shorten(string(r.CorrelationID), 13),
			string(r.ObjectID),
			string(r.Action),
			string(r.Peer),
			string(r.Step),
			string(r.State),
			strconv.Itoa(r.Sequence),
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			shorten(r.Note, 40),
		)
	}
	return t.Render()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
