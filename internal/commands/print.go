package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/sakif/duo-routine/internal/daydata"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/routeguard"
)

var (
	title = color.New(color.Bold, color.Underline)
	faint = color.New(color.Faint)
)

func displayName(u *model.User) string {
	switch {
	case u == nil:
		return "nobody"
	case u.Name != "":
		return u.Name
	}
	return u.Email
}

func statusGlyph(s model.TaskStatus) string {
	switch s {
	case model.StatusDone:
		return color.GreenString("✔")
	case model.StatusSkipped:
		return color.New(color.Faint).Sprint("–")
	case model.StatusPostponed:
		return color.YellowString("»")
	}
	return "•"
}

func printStatus(w io.Writer, v statusView) {
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow("Signed in as", fmt.Sprintf("%s <%s>", v.User, v.Email))
	tbl.AddRow("Pairing code", v.PairingCode)
	partner := v.Partner
	if partner == "" {
		partner = faint.Sprint("not paired")
	}
	tbl.AddRow("Partner", partner)
	tbl.AddRow("Unread", strconv.Itoa(v.Unread))
	_, _ = fmt.Fprintln(w, tbl)
	if v.Next == routeguard.RoutePairing {
		_, _ = fmt.Fprintln(w, "\nPair with: duo pair <code>   or for now: duo pair --skip")
	}
}

func printDay(w io.Writer, who string, d daydata.Day) {
	_, _ = title.Fprintf(w, "%s, %s\n", who, dayTitle(d.SelectedDate))
	switch d.Status {
	case daydata.StatusError, daydata.StatusTimedOut:
		_, _ = color.New(color.FgRed).Fprintf(w, "could not load the day: %s\n", d.Err)
		return
	}
	printTasks(w, d.Tasks, func(t model.TaskLog) string {
		r, ok := d.Routine(t.RoutineID)
		if !ok {
			return ""
		}
		return routineDetail(r, t)
	})
	printCheckin(w, d.DailyStatus)
}

func printPartnerDay(w io.Writer, name string, tasks []model.TaskLog, status *model.DailyStatus) {
	_, _ = fmt.Fprintln(w)
	_, _ = title.Fprintln(w, name)
	printTasks(w, tasks, func(model.TaskLog) string { return "" })
	printCheckin(w, status)
}

func printTasks(w io.Writer, tasks []model.TaskLog, detail func(model.TaskLog) string) {
	if len(tasks) == 0 {
		_, _ = color.New(color.Faint, color.Italic).Fprintln(w, " nothing planned")
		return
	}
	done := 0
	tbl := uitable.New()
	tbl.Separator = " "
	for i, t := range tasks {
		if t.Status == model.StatusDone {
			done++
		}
		tbl.AddRow(faint.Sprintf("%2d", i+1), statusGlyph(t.Status), t.TaskName, faint.Sprint(detail(t)))
	}
	_, _ = fmt.Fprintln(w, tbl)
	_, _ = faint.Fprintf(w, "%d of %d done\n", done, len(tasks))
}

// routineDetail is the short trailer after a task: its time and subtask
// progress.
func routineDetail(r model.Routine, t model.TaskLog) string {
	s := string(r.FlexiblePeriod)
	if r.IsFixed {
		s = r.ScheduledTime
	}
	if n := len(r.Subtasks); n > 0 {
		ticked := 0
		for _, sub := range r.Subtasks {
			if t.SubtaskDone(sub.ID) {
				ticked++
			}
		}
		s += fmt.Sprintf(" [%d/%d]", ticked, n)
	}
	return s
}

func printCheckin(w io.Writer, s *model.DailyStatus) {
	if s == nil || (s.Mood == "" && s.EnergyLevel == "") {
		_, _ = faint.Fprintln(w, "no check-in yet")
		return
	}
	mood, energy := string(s.Mood), string(s.EnergyLevel)
	if mood == "" {
		mood = "-"
	}
	if energy == "" {
		energy = "-"
	}
	_, _ = fmt.Fprintf(w, "mood %s, energy %s\n", mood, energy)
}

func printInbox(w io.Writer, ns []model.Notification, unread int) {
	_, _ = title.Fprintf(w, "Inbox")
	_, _ = faint.Fprintf(w, " - %d unread\n", unread)
	if len(ns) == 0 {
		_, _ = color.New(color.Faint, color.Italic).Fprintln(w, " empty")
		return
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.Wrap = true
	tbl.MaxColWidth = 60
	for i, n := range ns {
		mark := " "
		if !n.Read {
			mark = color.CyanString("●")
		}
		tbl.AddRow(faint.Sprintf("%2d", i+1), mark, n.Title, n.Message, faint.Sprint(n.CreatedAt.Local().Format("Jan 2 15:04")))
	}
	_, _ = fmt.Fprintln(w, tbl)
}

func printRoutines(w io.Writer, date model.Date, rs []model.Routine) {
	_, _ = title.Fprintf(w, "%ss\n", time.Weekday(date.Weekday()))
	if len(rs) == 0 {
		_, _ = color.New(color.Faint, color.Italic).Fprintln(w, " no routines")
		return
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	for i, r := range rs {
		when := string(r.FlexiblePeriod)
		if r.IsFixed {
			when = r.ScheduledTime
		}
		mins := ""
		if r.EstimatedDuration > 0 {
			mins = fmt.Sprintf("%dm", r.EstimatedDuration)
		}
		tbl.AddRow(faint.Sprintf("%2d", i+1), r.TaskIcon+r.TaskName, when, mins, faint.Sprint(r.ID))
	}
	_, _ = fmt.Fprintln(w, tbl)
}

func dayTitle(d model.Date) string {
	t := d.Time(time.Local)
	today := model.DateOf(time.Now())
	switch d {
	case today:
		return "today"
	case today.AddDays(-1):
		return "yesterday"
	case today.AddDays(1):
		return "tomorrow"
	}
	return t.Format("Monday, Jan 2")
}
