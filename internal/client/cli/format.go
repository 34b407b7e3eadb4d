package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/syncengine"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

const timeLayout = "2006-01-02 15:04"

// syncMark is the pending/unsynced indicator shown next to an entity.
func syncMark(e *models.Entity) string {
	switch {
	case e.NeedsResync:
		return "!"
	case e.Dirty:
		return "*"
	default:
		return ""
	}
}

func printTasks(w io.Writer, list []*models.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tDUE\tPOINTS\tDONE\tSYNC")
	for _, e := range list {
		t, err := models.DecodeAs[*domain.Task](e)
		if err != nil {
			return err
		}
		due := ""
		if t.DueAt != nil {
			due = t.DueAt.Local().Format(timeLayout)
		}
		done := ""
		if t.Completed {
			done = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, t.Title, due, t.Points, done, syncMark(e))
	}
	return tw.Flush()
}

func printHouseholds(w io.Writer, list []*models.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tINVITE\tSYNC")
	for _, e := range list {
		h, err := models.DecodeAs[*domain.Household](e)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, h.Name, h.InviteCode, syncMark(e))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, st syncengine.Status) {
	fmt.Fprintf(w, "state:     %s\n", st.State)
	fmt.Fprintf(w, "pending:   %d\n", st.Pending)
	last := "never"
	if !st.LastSync.IsZero() {
		last = st.LastSync.Local().Format(timeLayout)
	}
	fmt.Fprintf(w, "last sync: %s\n", last)
	if st.LastError != "" {
		fmt.Fprintf(w, "error:     %s\n", st.LastError)
	}
}

func printConflicts(w io.Writer, list []*models.ConflictEvent) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No conflicts")
		return
	}
	for _, c := range list {
		fmt.Fprintf(w, "%s  %s %s %s  local v%d lost to v%d\n",
			c.DetectedAt.Local().Format(timeLayout), c.Kind, c.EntityID, c.Op, c.LocalBaseVersion, c.RemoteVersion)
		if c.RemoteDeleted {
			fmt.Fprintln(w, "    deleted on the server")
		}
		for _, f := range c.Fields {
			fmt.Fprintf(w, "    %s: yours %s, kept %s\n", f.Name, orNone(f.Local), orNone(f.Remote))
		}
	}
}

func orNone(b []byte) string {
	if len(b) == 0 {
		return "(none)"
	}
	return string(b)
}

// parseDue accepts "2006-01-02", "2006-01-02 15:04" or a duration from now
// such as "48h".
func parseDue(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d).UTC()
		return &t, nil
	}
	for _, layout := range []string{timeLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse due date %q", s)
}
