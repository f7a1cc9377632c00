package commands

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/daydata"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// RoutineOptions are the fields "routines add" can set.
type RoutineOptions struct {
	On       string
	At       string
	Period   string
	Category string
	Icon     string
	Minutes  int
	Reminder int
	Note     string
	Subtasks []string
}

func addRoutines(topLevel *cobra.Command, o *GlobalOptions) {
	do := &DateOptions{}

	cmd := &cobra.Command{
		Use:     "routines",
		Aliases: []string{"routine"},
		Short:   "List the routines for a weekday",
		Long:    "Routines are the weekly templates each day's tasks are made from.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				d, err := loadDay(ctx, c, do)
				if err != nil {
					return err
				}
				if done, err := printJSON(cmd.OutOrStdout(), o, d.Routines); done {
					return err
				}
				printRoutines(cmd.OutOrStdout(), d.SelectedDate, d.Routines)
				return nil
			})
		},
	}
	addDateArg(cmd, do)

	cmd.AddCommand(
		routineAdd(o),
		routineRename(o),
		routineRemove(o),
		routineCopy(o),
		routineMove(o),
	)
	topLevel.AddCommand(cmd)
}

func routineAdd(o *GlobalOptions) *cobra.Command {
	ro := &RoutineOptions{}

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a routine",
		Example: `
duo routines add Water plants --on sat --period morning --minutes 10
duo routines add Standup --on mon --at 09:30 --subtask "Read notes" --subtask "Post update"
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ro.routine(strings.Join(args, " "), time.Now())
			if err != nil {
				return err
			}
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				created, err := c.CreateRoutine(ctx, r)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added %q on %s (%s)\n",
					created.TaskName, time.Weekday(created.DayOfWeek), created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ro.On, "on", "", "Weekday, e.g. mon. Defaults to today's weekday.")
	cmd.Flags().StringVar(&ro.At, "at", "", "Fixed time as HH:MM. Makes the routine fixed.")
	cmd.Flags().StringVar(&ro.Period, "period", "", "morning, afternoon, evening or anytime.")
	cmd.Flags().StringVar(&ro.Category, "category", "", "morning, cleaning, kitchen, evening, selfcare or work.")
	cmd.Flags().StringVar(&ro.Icon, "icon", "", "An emoji shown next to the task.")
	cmd.Flags().IntVar(&ro.Minutes, "minutes", 0, "Estimated duration in minutes.")
	cmd.Flags().IntVar(&ro.Reminder, "reminder", 0, "Reminder lead time in minutes.")
	cmd.Flags().StringVar(&ro.Note, "note", "", "Free-form note.")
	cmd.Flags().StringArrayVar(&ro.Subtasks, "subtask", nil, "A checklist item; repeat for more.")
	return cmd
}

// routine builds the row to create. The owner is filled in by the client.
func (ro *RoutineOptions) routine(name string, now time.Time) (model.Routine, error) {
	day := int(now.Weekday())
	if ro.On != "" {
		days, err := parseWeekdays(ro.On)
		if err != nil {
			return model.Routine{}, err
		}
		if len(days) != 1 {
			return model.Routine{}, apperror.ValidationFailed("on", "--on takes one weekday; use 'routines copy' for more")
		}
		day = days[0]
	}
	r := model.Routine{
		DayOfWeek:         day,
		TaskName:          name,
		TaskIcon:          ro.Icon,
		Category:          model.Category(ro.Category),
		IsFixed:           ro.At != "",
		ScheduledTime:     ro.At,
		FlexiblePeriod:    model.FlexiblePeriod(ro.Period),
		EstimatedDuration: ro.Minutes,
		ReminderMinutes:   ro.Reminder,
		Note:              ro.Note,
	}
	for i, text := range ro.Subtasks {
		r.Subtasks = append(r.Subtasks, model.Subtask{ID: xid.New().String(), Text: text, Order: i})
	}
	return r, nil
}

func routineRename(o *GlobalOptions) *cobra.Command {
	do := &DateOptions{}
	cmd := &cobra.Command{
		Use:   "rename <routine> <name>",
		Short: "Rename a routine; past tasks keep the old name",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutine(cmd, o, do, args[0], func(ctx context.Context, c *app.Client, _ daydata.Day, r model.Routine) error {
				name := strings.Join(args[1:], " ")
				if _, err := c.UpdateRoutine(ctx, r.ID, gateway.RoutinePatch{TaskName: &name}); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Renamed %q to %q\n", r.TaskName, name)
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	return cmd
}

func routineRemove(o *GlobalOptions) *cobra.Command {
	do := &DateOptions{}
	cmd := &cobra.Command{
		Use:     "remove <routine>",
		Aliases: []string{"rm"},
		Short:   "Stop a routine; its past tasks are kept",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutine(cmd, o, do, args[0], func(ctx context.Context, c *app.Client, _ daydata.Day, r model.Routine) error {
				if err := c.DeactivateRoutine(ctx, r.ID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %q\n", r.TaskName)
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	return cmd
}

func routineCopy(o *GlobalOptions) *cobra.Command {
	do := &DateOptions{}
	var to string
	cmd := &cobra.Command{
		Use:   "copy <routine>",
		Short: "Copy a routine onto other weekdays",
		Example: `
duo routines copy 2 --to mon,wed,fri
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := parseWeekdays(to)
			if err != nil {
				return err
			}
			return withRoutine(cmd, o, do, args[0], func(ctx context.Context, c *app.Client, _ daydata.Day, r model.Routine) error {
				rows, err := c.DuplicateRoutine(ctx, r.ID, days)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Copied %q to %d day(s)\n", r.TaskName, len(rows))
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	cmd.Flags().StringVar(&to, "to", "", "Comma-separated weekdays, e.g. mon,wed,fri.")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func routineMove(o *GlobalOptions) *cobra.Command {
	do := &DateOptions{}
	cmd := &cobra.Command{
		Use:   "move <routine> <position>",
		Short: "Move a routine to a new position in the day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return apperror.ValidationFailed("position", "position must be a number")
			}
			return withRoutine(cmd, o, do, args[0], func(ctx context.Context, c *app.Client, d daydata.Day, r model.Routine) error {
				ids, err := moveTo(d.Routines, r.ID, pos)
				if err != nil {
					return err
				}
				if err := c.ReorderRoutines(ctx, ids); err != nil {
					return err
				}
				printRoutines(cmd.OutOrStdout(), d.SelectedDate, c.Day().Routines)
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	return cmd
}

func withRoutine(cmd *cobra.Command, o *GlobalOptions, do *DateOptions, arg string,
	fn func(ctx context.Context, c *app.Client, d daydata.Day, r model.Routine) error) error {
	return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
		d, err := loadDay(ctx, c, do)
		if err != nil {
			return err
		}
		r, err := resolveRoutine(d, arg)
		if err != nil {
			return err
		}
		return fn(ctx, c, d, r)
	})
}

// resolveRoutine accepts a 1-based position in the day's routines or an id.
func resolveRoutine(d daydata.Day, arg string) (model.Routine, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(d.Routines) {
			return model.Routine{}, apperror.ValidationFailed("routine",
				fmt.Sprintf("routine %d does not exist; the day has %d", n, len(d.Routines)))
		}
		return d.Routines[n-1], nil
	}
	if r, ok := d.Routine(arg); ok {
		return r, nil
	}
	return model.Routine{}, apperror.NotFound("routine", arg)
}

// moveTo returns the routine ids in their new order with id at the 1-based
// position pos.
func moveTo(rs []model.Routine, id string, pos int) ([]string, error) {
	if pos < 1 || pos > len(rs) {
		return nil, apperror.ValidationFailed("position", fmt.Sprintf("position must be between 1 and %d", len(rs)))
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.ID != id {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == len(rs) {
		return nil, apperror.NotFound("routine", id)
	}
	return slices.Insert(ids, pos-1, id), nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekdays reads "mon,wed,fri" (full names work too) into weekday
// numbers with Sunday as 0, in the order given and without repeats.
func parseWeekdays(s string) ([]int, error) {
	var days []int
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := weekdays[name]
		if !ok {
			return nil, apperror.ValidationFailed("weekday", fmt.Sprintf("unknown weekday %q", strings.TrimSpace(part)))
		}
		if !slices.Contains(days, int(d)) {
			days = append(days, int(d))
		}
	}
	return days, nil
}
