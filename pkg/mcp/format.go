package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

const timeLayout = "2006-01-02 15:04:05"

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// formatAccounts formats billing accounts as a text table.
func formatAccounts(accts []models.BillingAccount) string {
	if len(accts) == 0 {
		return "No accounts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-6s %12s %12s %10s %10s\n",
		"User", "Plan", "Tokens", "Limit", "Storage", "Limit")
	b.WriteString(strings.Repeat("-", 79) + "\n")
	for _, a := range accts {
		fmt.Fprintf(&b, "%-24s %-6s %12s %12s %10s %10s\n",
			shorten(a.UserID, 24), a.SubscriptionType,
			humanize.Comma(a.TokensUsed), humanize.Comma(a.TokensLimit),
			humanize.IBytes(uint64(max(0, a.StorageUsed))), humanize.IBytes(uint64(max(0, a.StorageLimit))))
	}
	return b.String()
}

// formatSummary formats one account's usage summary.
func formatSummary(s quota.Summary) string {
	var b strings.Builder
	a := s.Account
	fmt.Fprintf(&b, "Account %s (%s, %s)\n", a.UserID, a.SubscriptionType, a.SubscriptionStatus)
	fmt.Fprintf(&b, "  Tokens:  %s / %s (%.1f%%), %s remaining\n",
		humanize.Comma(a.TokensUsed), humanize.Comma(a.TokensLimit), s.TokenUsagePercent, humanize.Comma(s.TokensRemaining))
	fmt.Fprintf(&b, "  Storage: %s / %s (%.1f%%), %s remaining\n",
		humanize.IBytes(uint64(max(0, a.StorageUsed))), humanize.IBytes(uint64(max(0, a.StorageLimit))),
		s.StorageUsagePercent, humanize.IBytes(uint64(max(0, s.StorageRemaining))))
	if a.NextResetDate != nil {
		fmt.Fprintf(&b, "  Tokens reset %s\n", humanize.Time(*a.NextResetDate))
	}
	if s.ApproachingTokenLimit {
		b.WriteString("  Approaching token limit.\n")
	}
	if s.ApproachingStorageLimit {
		b.WriteString("  Approaching storage limit.\n")
	}
	return b.String()
}

// formatTokenHistory formats token transactions as a text table.
func formatTokenHistory(txs []models.TokenTransaction) string {
	if len(txs) == 0 {
		return "No token transactions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-22s %10s  %s\n", "Time", "Operation", "Tokens", "Conversation")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, t := range txs {
		fmt.Fprintf(&b, "%-20s %-22s %10s  %s\n",
			t.CreatedAt.Format(timeLayout), t.OperationType, humanize.Comma(t.TokensUsed), t.ConversationID)
	}
	return b.String()
}

// formatStorageHistory formats storage transactions as a text table.
func formatStorageHistory(txs []models.StorageTransaction) string {
	if len(txs) == 0 {
		return "No storage transactions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %12s  %s\n", "Time", "Operation", "Size", "File")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, t := range txs {
		size := humanize.IBytes(uint64(max(t.SizeBytes, -t.SizeBytes)))
		if t.SizeBytes < 0 {
			size = "-" + size
		}
		fmt.Fprintf(&b, "%-20s %-12s %12s  %s\n",
			t.CreatedAt.Format(timeLayout), t.OperationType, size, t.Filename)
	}
	return b.String()
}

// formatConversations formats conversations as a text table.
func formatConversations(convs []models.Conversation) string {
	if len(convs) == 0 {
		return "No conversations found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %s\n", "Conversation ID", "Created", "Title")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, c := range convs {
		fmt.Fprintf(&b, "%-38s %-20s %s\n", c.ID, c.CreatedAt.Format(timeLayout), c.Title)
	}
	return b.String()
}

// formatConversation renders a conversation transcript.
func formatConversation(d *models.ConversationDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d messages)\n\n", d.Title, len(d.Messages))
	for _, m := range d.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format(timeLayout), m.Role, shorten(m.Text(), 500))
		for _, f := range m.Files() {
			fmt.Fprintf(&b, "    attached %s\n", f.Filename)
		}
	}
	return b.String()
}

// formatCacheStats formats embedding cache stats as text.
func formatCacheStats(stats embedding.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Embedding Cache\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}
