package agreements

// Recompute derives the agreement's counters from a full scan of its
// milestones. Counters are never patched incrementally.
func Recompute(a *Agreement, ms []*Milestone) {
	var paid int64
	completed := 0
	for _, m := range ms {
		paid += m.PaidCents
		if m.IsClosed() {
			completed++
		}
	}
	a.TotalMilestones = len(ms)
	a.CompletedMilestones = completed
	a.PaidAmountCents = paid
	a.RemainingAmountCents = a.TotalValueCents - paid
	a.ProgressPercent = progressPercent(completed, len(ms))
}

// progressPercent is 100*done/total rounded half-up.
func progressPercent(done, total int) int {
	if total == 0 {
		return 0
	}
	return (200*done + total) / (2 * total)
}

// outstanding is the unpaid value of milestones that are still open.
func outstanding(ms []*Milestone) int64 {
	var sum int64
	for _, m := range ms {
		sum += m.Outstanding()
	}
	return sum
}

// workStatus is the status an agreement that is not under dispute should
// have given its milestones.
func workStatus(a *Agreement, ms []*Milestone) Status {
	if a.ProgressPercent == 100 {
		return StatusCompleted
	}
	for _, m := range ms {
		if m.Status != MilestonePending {
			return StatusInProgress
		}
	}
	if a.PreDisputeStatus != "" {
		return a.PreDisputeStatus
	}
	return StatusActive
}
