package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"quote-cpq/decision/approval"
	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuleSets(sets []cpq.RuleSet) {
	fmt.Printf("%-24s %-16s %-32s %-10s %s\n", "ID", "CODE", "NAME", "STATUS", "FIELDS")
	for _, rs := range sets {
		fmt.Printf("%-24s %-16s %-32s %-10s %d\n", truncate(rs.ID, 24), truncate(rs.Code, 16), truncate(rs.Name, 32), rs.Status, len(rs.ConfigSchema))
	}
}

func printTemplates(templates []cpq.QuoteTemplate) {
	for _, t := range templates {
		fmt.Printf("%s  %s [%s]\n", t.ID, t.Name, t.Status)
		for _, v := range t.Versions {
			fmt.Printf("    v%-4d %-24s %-10s %d fields\n", v.Version, v.ID, v.Status, len(v.ConfigSchema))
		}
	}
}

func printPreview(view cpq.View) {
	fmt.Println()
	if view.SourceName != "" {
		fmt.Printf("Source:       %s (%s %s)\n", view.SourceName, view.Source.Kind, view.Source.ID)
	} else {
		fmt.Printf("Source:       %s %s\n", view.Source.Kind, view.Source.ID)
	}
	if len(view.MissingRequired) > 0 {
		fmt.Printf("Missing:      %s\n", strings.Join(view.MissingRequired, ", "))
	}

	res := view.Result
	if res == nil {
		fmt.Println("No price available")
		if view.Error != "" {
			fmt.Printf("Error:        %s\n", view.Error)
		}
		return
	}

	fmt.Printf("Base price:   %s %s\n", res.BasePrice.StringFixed(2), res.Currency)
	for _, a := range res.Adjustments {
		sign := "+"
		if a.Value.IsNegative() {
			sign = ""
		}
		fmt.Printf("  %-30s %s%s\n", truncate(a.Label, 30), sign, a.Value.StringFixed(2))
	}
	fmt.Printf("Final price:  %s %s\n", res.FinalPrice.StringFixed(2), res.Currency)
	printGate(view.Gate)
	if view.Error != "" {
		fmt.Printf("Error:        %s\n", view.Error)
	}
}

func printGate(g approval.GateState) {
	level := string(g.ConfidenceLevel)
	if level == "" {
		level = "UNKNOWN"
	}
	fmt.Printf("Confidence:   %s\n", level)
	if g.RequiresApproval {
		fmt.Printf("Approval:     REQUIRED - %s\n", g.Advisory())
	} else {
		fmt.Println("Approval:     not required")
	}
}

func printDraft(out *cpq.DraftOutcome) {
	fmt.Printf("Draft %s saved as %s (%s %s)\n", out.ID, out.QuoteCode, out.Draft.TotalPrice.StringFixed(2), out.Draft.Currency)
	if out.Advisory != "" {
		fmt.Printf("Note: %s\n", out.Advisory)
	}
}

func printSuggestions(items []costmatch.QuoteItem, pairs []costmatch.Pair) {
	names := make(map[string]string, len(items))
	for _, it := range items {
		names[it.ID] = it.ProductName
	}
	fmt.Printf("%-12s %-28s %12s %12s %6s  %s\n", "ITEM", "PRODUCT", "CURRENT", "SUGGESTED", "SCORE", "SOURCE")
	for _, p := range pairs {
		s := p.Suggestion
		suggested := "-"
		if s.SuggestedCost != nil {
			suggested = s.SuggestedCost.StringFixed(2)
		}
		score := "-"
		if s.MatchScore != nil {
			score = fmt.Sprintf("%.0f%%", *s.MatchScore*100)
		}
		fmt.Printf("%-12s %-28s %12s %12s %6s  %s\n",
			truncate(s.ItemID, 12), truncate(names[s.ItemID], 28),
			s.CurrentCost.StringFixed(2), suggested, score, s.MatchSource)
	}
}

func printApply(result *costmatch.ApplyResult, items []costmatch.QuoteItem) {
	fmt.Printf("Applied %d cost updates (batch %s)\n", len(result.Records), result.BatchID)
	fmt.Printf("Total price:  %s\n", result.Totals.TotalPrice.StringFixed(2))
	fmt.Printf("Total cost:   %s\n", result.Totals.TotalCost.StringFixed(2))
	fmt.Printf("Gross margin: %s\n", result.Totals.GrossMargin.StringFixed(4))
	if !result.ItemsReloaded {
		fmt.Println("Items could not be reloaded; showing the last known list")
	}
	for _, it := range items {
		fmt.Printf("  %-12s %-28s cost %s\n", truncate(it.ID, 12), truncate(it.ProductName, 28), it.Cost.StringFixed(2))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
