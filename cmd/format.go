package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/entity-collector/internal/executor"
	"github.com/sells-group/entity-collector/internal/model"
	"github.com/sells-group/entity-collector/internal/monitoring"
	"github.com/sells-group/entity-collector/internal/sources"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatSourcesList writes a tabular list of sources to out. now decides
// whether a block is still in force.
func formatSourcesList(out io.Writer, list []model.Source, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tENTITY_TYPES\tRELIABILITY\tTODAY\tLIMIT\tSTATE")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------------\t-----------\t-----\t-----\t-----")

	day := model.DayKey(now)
	for _, s := range list {
		types := make([]string, len(s.EntityTypes))
		for i, t := range s.EntityTypes {
			types[i] = string(t)
		}

		limit := "-"
		if s.RateLimitPerDay > 0 {
			limit = strconv.Itoa(s.RateLimitPerDay)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.3f\t%d\t%s\t%s\n",
			s.ID,
			truncate(s.Name, 30),
			s.Type,
			strings.Join(types, ","),
			s.ReliabilityScore,
			s.AccessesOn(day),
			limit,
			sourceState(&s, now),
		)
	}
	_ = w.Flush()
}

func sourceState(s *model.Source, now time.Time) string {
	switch {
	case !s.Active:
		return "inactive"
	case s.BlockedUntil != nil && s.BlockedUntil.After(now):
		return "blocked until " + s.BlockedUntil.Format("2006-01-02 15:04")
	default:
		return "active"
	}
}

// formatRecalculations writes reliability recalculation results to out.
func formatRecalculations(out io.Writer, recalcs []sources.Recalculation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tACCEPTED\tREJECTED\tBEFORE\tAFTER")
	for _, r := range recalcs {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%.3f\t%.3f\n", r.SourceID, r.Accepted, r.Rejected, r.Before, r.After)
	}
	_ = w.Flush()
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, list []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tENTITY\tSOURCE\tPRIORITY\tSTATUS\tFOUND\tCHANGES\tNEW\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t--------\t------\t-----\t-------\t---\t-------\t-----")

	for _, j := range list {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			j.ID,
			j.JobType,
			j.EntityType,
			j.SourceID,
			j.Priority,
			j.Status,
			j.ItemsFound,
			j.ChangesDetected,
			j.NewEntitiesFound,
			j.CreatedAt.Format("2006-01-02 15:04"),
			truncate(j.Error, 40),
		)
	}
	_ = w.Flush()
}

// formatMatchesList writes a tabular list of entity matches to out.
func formatMatchesList(out io.Writer, list []model.EntityMatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tDISCOVERED\tLOCATION\tMATCHED\tCONFIDENCE\tMETHOD\tSTATUS")
	_, _ = fmt.Fprintln(w, "--\t------\t----------\t--------\t-------\t----------\t------\t------")

	for _, m := range list {
		loc := strings.Trim(m.DiscoveredCity+", "+m.DiscoveredState, ", ")
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
			m.ID,
			m.EntityType,
			truncate(m.DiscoveredName, 30),
			loc,
			optID(m.MatchedEntityID),
			m.Confidence,
			m.Method,
			m.Status,
		)
	}
	_ = w.Flush()
}

// formatChangesList writes a tabular list of changes to out.
func formatChangesList(out io.Writer, list []model.Change) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tFIELD\tOLD\tNEW\tCONFIDENCE\tSTATUS\tAUTO")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t---\t---\t----------\t------\t----")

	for _, c := range list {
		entity := string(c.EntityType) + ":" + optID(c.EntityID)
		field := c.FieldName
		if c.IsNewEntity() {
			field = "(new entity)"
		}
		auto := ""
		if c.AutoApplied {
			auto = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
			c.ID,
			entity,
			field,
			truncate(c.OldValue, 25),
			truncate(c.NewValue, 25),
			c.Confidence,
			c.Status,
			auto,
		)
	}
	_ = w.Flush()
}

// formatHistory writes an audit trail to out.
func formatHistory(out io.Writer, trail []model.HistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tFIELD\tOLD\tNEW\tACTOR\tSOURCE\tREASON")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t---\t-----\t------\t------")

	for _, h := range trail {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.CreatedAt.Format("2006-01-02 15:04:05"),
			h.Field,
			truncate(h.OldValue, 25),
			truncate(h.NewValue, 25),
			h.Actor,
			h.ChangeSource,
			truncate(h.Reason, 40),
		)
	}
	_ = w.Flush()
}

// formatCycleResult writes the summary of one cycle to out.
func formatCycleResult(out io.Writer, r *executor.CycleResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Cycle:\t%s\n", r.CycleID)
	_, _ = fmt.Fprintf(w, "Jobs run:\t%d\n", r.JobsRun)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", r.JobsCompleted)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", r.JobsFailed)
	_, _ = fmt.Fprintf(w, "  Spawned:\t%d\n", r.ChildJobs)
	_, _ = fmt.Fprintf(w, "Items found:\t%d\n", r.ItemsFound)
	_, _ = fmt.Fprintf(w, "Changes:\t%d\n", r.ChangesDetected)
	_, _ = fmt.Fprintf(w, "  Auto-applied:\t%d\n", r.AutoApplied)
	_, _ = fmt.Fprintf(w, "  Conflicts:\t%d\n", r.Conflicts)
	_, _ = fmt.Fprintf(w, "New entities:\t%d\n", r.NewEntities)
	_, _ = fmt.Fprintf(w, "Withheld matches:\t%d\n", r.Withheld)
	if r.ReapedJobs > 0 {
		_, _ = fmt.Fprintf(w, "Reaped jobs:\t%d\n", r.ReapedJobs)
	}
	_, _ = fmt.Fprintf(w, "Keys released:\t%d\n", r.StaleReleased+r.CycleReleased)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	_ = w.Flush()
}

// formatStatus writes a monitoring snapshot and its alerts to out.
func formatStatus(out io.Writer, snap *monitoring.Snapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Jobs:\t%s\n", countLine(snap.Jobs))
	_, _ = fmt.Fprintf(w, "Changes:\t%s\n", countLine(snap.Changes))
	_, _ = fmt.Fprintf(w, "Matches:\t%s\n", countLine(snap.Matches))
	_, _ = fmt.Fprintf(w, "Job failure rate:\t%.1f%% of %d finished\n", snap.JobFailRate*100, snap.FinishedJobs)
	_, _ = fmt.Fprintf(w, "Review backlog:\t%d changes, %d matches\n", snap.ReviewBacklog, snap.PendingMatches)
	_, _ = fmt.Fprintf(w, "Active sources:\t%d\n", snap.ActiveSources)
	for _, s := range snap.SourcesBelowFloor {
		_, _ = fmt.Fprintf(w, "  Below floor:\t%s (%d) %.3f\n", s.Name, s.ID, s.ReliabilityScore)
	}
	for _, s := range snap.BlockedSources {
		_, _ = fmt.Fprintf(w, "  Blocked:\t%s (%d) until %s\n", s.Name, s.ID, s.BlockedUntil.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()

	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "No alerts.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d alerts:\n", len(alerts))
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

// countLine renders a status count map as "a=1 b=2" in key order.
func countLine[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}

func optID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
