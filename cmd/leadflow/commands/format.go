package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/leadflow/leadflow/pkg/engine"
)

func stateLabel(s engine.State) string {
	switch s {
	case engine.StateAppointmentCompleted, engine.StateAppointmentConfirmed:
		return color.New(color.FgGreen).Sprint(s)
	case engine.StateOptedOut, engine.StateFailed, engine.StateNotInterested:
		return color.New(color.FgRed).Sprint(s)
	case engine.StateEscalated:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}

func statusLabel(s engine.WorkflowStatus) string {
	switch s {
	case engine.WorkflowStatusCompleted:
		return color.New(color.FgGreen).Sprint("OK")
	case engine.WorkflowStatusFailed:
		return color.New(color.FgRed).Sprint("FAILED")
	default:
		return color.New(color.FgYellow).Sprint(strings.ToUpper(string(s)))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}

func printLeadTable(w io.Writer, leads []*engine.Lead) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPHONE\tSTATE\tATTEMPTS\tNEXT CONTACT")
	for _, l := range leads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			l.ID, l.FullName(), l.Phone, stateLabel(l.State),
			l.OutboundAttemptCount(), l.MaxContactAttempts, formatTime(l.NextContactAt))
	}
	_ = tw.Flush()
}

func printLead(w io.Writer, l *engine.Lead) {
	fmt.Fprintf(w, "Lead %s\n", l.ID)
	fmt.Fprintf(w, "  Name:     %s\n", l.FullName())
	fmt.Fprintf(w, "  Phone:    %s\n", l.Phone)
	fmt.Fprintf(w, "  State:    %s\n", stateLabel(l.State))
	fmt.Fprintf(w, "  Consent:  %v\n", l.ConsentVerified)
	fmt.Fprintf(w, "  Attempts: %d/%d\n", l.OutboundAttemptCount(), l.MaxContactAttempts)
	fmt.Fprintf(w, "  Next:     %s\n", formatTime(l.NextContactAt))
	if l.AppointmentSlot != nil {
		fmt.Fprintf(w, "  Appointment: %s %s-%s\n", l.AppointmentSlot.Date, l.AppointmentSlot.StartTime, l.AppointmentSlot.EndTime)
	}

	if len(l.StateHistory) > 0 {
		fmt.Fprintln(w, "  History:")
		for _, c := range l.StateHistory {
			forced := ""
			if c.IsForced() {
				forced = color.New(color.FgYellow).Sprint(" (forced)")
			}
			fmt.Fprintf(w, "    %s  %s -> %s  [%s]%s\n",
				c.Timestamp.Format("01-02 15:04"), c.From, c.To, c.Trigger, forced)
		}
	}

	if len(l.ContactAttempts) > 0 {
		fmt.Fprintln(w, "  Messages:")
		for _, a := range l.ContactAttempts {
			fmt.Fprintf(w, "    %s  %-8s %-9s %s\n",
				a.Timestamp.Format("01-02 15:04"), a.Direction, a.Status, a.Body)
		}
	}
}

func printExecution(w io.Writer, exec *engine.WorkflowExecution) {
	if exec == nil {
		return
	}
	fmt.Fprintf(w, "%s workflow %s for lead %s (step %s)\n",
		statusLabel(exec.Status), exec.ID, exec.LeadID, exec.CurrentStep)
	if exec.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", exec.Error)
	}
}

func printStats(w io.Writer, s *engine.LeadStats) {
	fmt.Fprintf(w, "Total:                  %d\n", s.Total)
	fmt.Fprintf(w, "Consent verified:       %d\n", s.ConsentVerified)
	fmt.Fprintf(w, "Opted out:              %d\n", s.OptedOut)
	fmt.Fprintf(w, "Appointments scheduled: %d\n", s.AppointmentsScheduled)

	states := make([]string, 0, len(s.ByState))
	for st := range s.ByState {
		states = append(states, string(st))
	}
	sort.Strings(states)
	if len(states) > 0 {
		fmt.Fprintln(w, "By state:")
	}
	for _, st := range states {
		fmt.Fprintf(w, "  %-24s %d\n", stateLabel(engine.State(st)), s.ByState[engine.State(st)])
	}
}
