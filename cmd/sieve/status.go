package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cohortforge/sieve/internal/audit"
	"github.com/cohortforge/sieve/internal/storage"
	"github.com/cohortforge/sieve/internal/types"
)

// Color palette for the status view.
var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")) // gray
	statusGoodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))  // green
	statusWorkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	statusFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // bright red
	statusMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Italic(true)
)

const statusAuditLimit = 10

var statusCmd = &cobra.Command{
	Use:   "status <protocol-id>",
	Short: "Show a protocol's pipeline state, batch rollup, and recent activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		id := args[0]

		_, store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		p, err := store.GetProtocol(ctx, id)
		if err != nil {
			return err
		}

		var batch *types.CriteriaBatch
		var criteria []*types.Criteria
		batch, err = store.GetActiveBatch(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			batch = nil
		case err != nil:
			return err
		default:
			if criteria, err = store.ListCriteria(ctx, batch.ID); err != nil {
				return err
			}
		}

		trail, err := audit.History(ctx, store, audit.AggregateProtocol, id, statusAuditLimit)
		if err != nil {
			return err
		}

		if flagJSON {
			outputJSON(map[string]any{
				"protocol": p,
				"batch":    batch,
				"criteria": criteria,
				"audit":    trail,
			})
			return nil
		}

		printStatus(p, batch, criteria, trail)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(p *types.Protocol, batch *types.CriteriaBatch, criteria []*types.Criteria, trail []*types.AuditEntry) {
	// Styling degrades to plain text when stdout is piped, so output
	// stays grep-clean.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	label := func(s string) string { return statusLabelStyle.Render(fmt.Sprintf("%-10s", s)) }

	fmt.Printf("%s  %s\n", statusTitleStyle.Render(p.ID), p.Title)
	fmt.Printf("  %s %s\n", label("status"), protocolStatusStyle(p.Status).Render(string(p.Status)))
	fmt.Printf("  %s %d\n", label("version"), metadataVersion(p.Metadata))
	fmt.Printf("  %s %s\n", label("file"), p.FileURI)
	if p.PageCount != nil {
		fmt.Printf("  %s %d\n", label("pages"), *p.PageCount)
	}
	if p.QualityScore != nil {
		fmt.Printf("  %s %.2f\n", label("quality"), *p.QualityScore)
	}
	if p.ErrorReason != "" {
		fmt.Printf("  %s %s\n", label("error"), statusFailStyle.Render(p.ErrorReason))
	}
	fmt.Printf("  %s %s\n", label("created"), p.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("  %s %s\n", label("updated"), p.UpdatedAt.Local().Format("2006-01-02 15:04"))

	fmt.Println()
	if batch == nil {
		fmt.Println(statusMutedStyle.Render("no criteria batch yet"))
	} else {
		fmt.Printf("%s %s (%s", statusTitleStyle.Render("batch"), batch.ID, batch.Status)
		if batch.ExtractionModel != "" {
			fmt.Printf(", model %s", batch.ExtractionModel)
		}
		fmt.Println(")")
		fmt.Printf("  %d criteria: %s\n", len(criteria), reviewRollup(criteria))
		fmt.Printf("  %s\n", typeRollup(criteria))
	}

	if len(trail) > 0 {
		fmt.Println()
		fmt.Println(statusTitleStyle.Render("recent activity"))
		for _, e := range trail {
			fmt.Printf("  %s  %-18s %s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Action, e.Actor)
		}
	}
}

func protocolStatusStyle(s types.ProtocolStatus) lipgloss.Style {
	switch s {
	case types.StatusComplete:
		return statusGoodStyle
	case types.StatusExtractionFailed, types.StatusGroundingFailed:
		return statusFailStyle
	case types.StatusArchived:
		return statusMutedStyle
	default:
		return statusWorkStyle
	}
}

func reviewRollup(criteria []*types.Criteria) string {
	counts := map[types.ReviewStatus]int{}
	for _, c := range criteria {
		counts[c.ReviewStatus]++
	}
	parts := make([]string, 0, 4)
	for _, rs := range []types.ReviewStatus{
		types.ReviewApproved, types.ReviewModified, types.ReviewPending, types.ReviewRejected,
	} {
		if counts[rs] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[rs], rs))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func typeRollup(criteria []*types.Criteria) string {
	var inc, exc int
	for _, c := range criteria {
		if c.CriteriaType == types.Exclusion {
			exc++
		} else {
			inc++
		}
	}
	return fmt.Sprintf("%d inclusion / %d exclusion", inc, exc)
}
