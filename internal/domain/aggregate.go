package domain

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// AggregateStatus folds per-target statuses into the post status. The
// result does not depend on the order of targets.
func AggregateStatus(statuses []PublicationStatus) PostStatus {
	if len(statuses) == 0 {
		return PostFailed
	}
	var published, failed int
	for _, s := range statuses {
		switch s {
		case PublicationPublished:
			published++
		case PublicationFailed:
			failed++
		default:
			// pending (awaiting a retry) or publishing keeps the pass open
			return PostPublishing
		}
	}
	switch {
	case published == len(statuses):
		return PostPublished
	case failed == len(statuses):
		return PostFailed
	}
	return PostPartiallyPublished
}

// AggregatePublications is AggregateStatus over publication records.
func AggregatePublications(pubs []PostPublication) PostStatus {
	statuses := make([]PublicationStatus, len(pubs))
	for i, p := range pubs {
		statuses[i] = p.Status
	}
	return AggregateStatus(statuses)
}

// FailureSummary builds the short post level error message. Per-target
// detail stays on each publication.
func FailureSummary(pubs []PostPublication) string {
	if len(pubs) == 0 {
		return ErrNoTargets.Error()
	}
	var failed []string
	for _, p := range pubs {
		if p.Status != PublicationFailed {
			continue
		}
		msg := p.ErrorMessage
		if msg == "" {
			msg = string(p.ErrorKind)
		}
		failed = append(failed, fmt.Sprintf("%s: %s", p.Platform, msg))
	}
	if len(failed) == 0 {
		return ""
	}
	sort.Strings(failed)
	const maxLen = 500
	summary := fmt.Sprintf("%d of %d targets failed: %s", len(failed), len(pubs), strings.Join(failed, "; "))
	if len(summary) > maxLen {
		summary = truncateRunes(summary, maxLen-3) + "..."
	}
	return summary
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
