// Package retention implements the day/week/month pruning policy. Archives
// are walked newest first and each one greedily claims the first quota that
// still has room: its calendar day, then its ISO week, then its month.
// Anything left unclaimed is pruned.
package retention

import (
	"context"
	"fmt"
	"sort"

	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/storage"
	"github.com/tis24dev/treesave/internal/types"
)

// Policy holds the retention quotas. A zero quota disables its tier.
type Policy struct {
	Daily   int
	Weekly  int
	Monthly int
}

// Category records why an archive is kept.
type Category string

const (
	CategoryDaily   Category = "daily"
	CategoryWeekly  Category = "weekly"
	CategoryMonthly Category = "monthly"
	CategoryDelete  Category = "delete"
)

// Decision is one archive's classification.
type Decision struct {
	Backup   types.BackupInfo
	Category Category
}

// Plan is the outcome of classifying a destination listing.
type Plan struct {
	Keep   []Decision
	Delete []types.BackupInfo
}

// Classify walks archives newest first and assigns each the first tier with
// room. Tier membership is keyed on the filename timestamp only: the day
// ("2006-01-02"), the ISO week ("2006-W02"), the month ("2006-01"). A key
// that has already been claimed makes the archive fall through to the next
// tier rather than dropping it outright, so the second archive of a day can
// still fill a weekly or monthly slot.
func Classify(backups []types.BackupInfo, policy Policy) Plan {
	sorted := make([]types.BackupInfo, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Filename > sorted[j].Filename
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	claimedDays := make(map[string]bool)
	claimedWeeks := make(map[string]bool)
	claimedMonths := make(map[string]bool)

	var plan Plan
	for _, b := range sorted {
		dayKey := b.Timestamp.Format("2006-01-02")
		year, week := b.Timestamp.ISOWeek()
		weekKey := fmt.Sprintf("%d-W%02d", year, week)
		monthKey := b.Timestamp.Format("2006-01")

		switch {
		case policy.Daily > 0 && len(claimedDays) < policy.Daily && !claimedDays[dayKey]:
			claimedDays[dayKey] = true
			plan.Keep = append(plan.Keep, Decision{Backup: b, Category: CategoryDaily})
		case policy.Weekly > 0 && len(claimedWeeks) < policy.Weekly && !claimedWeeks[weekKey]:
			claimedWeeks[weekKey] = true
			plan.Keep = append(plan.Keep, Decision{Backup: b, Category: CategoryWeekly})
		case policy.Monthly > 0 && len(claimedMonths) < policy.Monthly && !claimedMonths[monthKey]:
			claimedMonths[monthKey] = true
			plan.Keep = append(plan.Keep, Decision{Backup: b, Category: CategoryMonthly})
		default:
			plan.Delete = append(plan.Delete, b)
		}
	}

	return plan
}

// Apply deletes the archives the plan marks for pruning. Individual
// deletion failures are logged and counted but never abort the sweep; the
// next scheduled run retries them. In dry-run mode nothing is deleted and
// each candidate is announced instead.
func Apply(ctx context.Context, repo *storage.Repository, plan Plan, dryRun bool, logger *logging.Logger) (deleted, failed int) {
	for _, b := range plan.Delete {
		if err := ctx.Err(); err != nil {
			logger.Warning("Retention sweep interrupted, %d archives left for next run", len(plan.Delete)-deleted-failed)
			return deleted, failed
		}

		if dryRun {
			logger.Info("[DRY RUN] Would delete archive: %s", b.Filename)
			continue
		}

		if err := repo.Remove(b); err != nil {
			logger.Warning("Retention: %v", err)
			failed++
			continue
		}
		logger.Info("Retention: deleted archive %s", b.Filename)
		deleted++
	}
	return deleted, failed
}
