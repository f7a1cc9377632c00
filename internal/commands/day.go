package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/daydata"
	"github.com/sakif/duo-routine/internal/model"
)

// DateOptions selects the day a command works on.
type DateOptions struct {
	Date string
}

func addDateArg(cmd *cobra.Command, do *DateOptions) {
	cmd.Flags().StringVarP(&do.Date, "date", "d", "",
		"Day to work on, as YYYY-MM-DD. Defaults to today.")
}

func (do *DateOptions) resolve(now time.Time) (model.Date, error) {
	if do.Date == "" {
		return model.DateOf(now), nil
	}
	d, err := model.ParseDate(do.Date)
	if err != nil {
		return model.Date{}, apperror.ValidationFailed("date", "date must be YYYY-MM-DD")
	}
	return d, nil
}

// loadDay selects the day and loads it. A failed load still leaves the
// snapshot's Status and Err describing what went wrong.
func loadDay(ctx context.Context, c *app.Client, do *DateOptions) (daydata.Day, error) {
	date, err := do.resolve(time.Now())
	if err != nil {
		return daydata.Day{}, err
	}
	if err := c.SetSelectedDate(ctx, date); err != nil {
		return c.Day(), err
	}
	return c.Day(), nil
}

type dayView struct {
	Date    model.Date         `json:"date"`
	Tasks   []model.TaskLog    `json:"tasks"`
	Status  *model.DailyStatus `json:"daily_status"`
	Partner *partnerView       `json:"partner,omitempty"`
}

type partnerView struct {
	Name   string             `json:"name"`
	Tasks  []model.TaskLog    `json:"tasks"`
	Status *model.DailyStatus `json:"daily_status"`
}

func addToday(topLevel *cobra.Command, o *GlobalOptions) {
	do := &DateOptions{}
	var partner bool

	cmd := &cobra.Command{
		Use:     "today",
		Aliases: []string{"day"},
		Short:   "Show the day's tasks and check-in",
		Example: `
duo today
duo today --date 2026-03-02 --partner
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				d, err := loadDay(ctx, c, do)
				if err != nil {
					return err
				}
				v := dayView{Date: d.SelectedDate, Tasks: d.Tasks, Status: d.DailyStatus}
				if partner {
					s := c.Session()
					if s.Partner == nil {
						return errors.New("not paired; run: duo pair <code>")
					}
					pd, err := c.PartnerDay(ctx)
					if err != nil {
						return err
					}
					v.Partner = &partnerView{Name: displayName(s.Partner), Tasks: pd.Tasks, Status: pd.DailyStatus}
				}
				if done, err := printJSON(cmd.OutOrStdout(), o, v); done {
					return err
				}
				printDay(cmd.OutOrStdout(), displayName(c.Session().User), d)
				if v.Partner != nil {
					printPartnerDay(cmd.OutOrStdout(), v.Partner.Name, v.Partner.Tasks, v.Partner.Status)
				}
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	cmd.Flags().BoolVarP(&partner, "partner", "p", false, "Also show the partner's day.")
	topLevel.AddCommand(cmd)
}

// addTaskStatus registers one command per status, so "duo done 2" reads
// the way it is said.
func addTaskStatus(topLevel *cobra.Command, o *GlobalOptions) {
	for _, s := range []struct {
		use    string
		status model.TaskStatus
		short  string
	}{
		{"done", model.StatusDone, "Mark a task done"},
		{"skip", model.StatusSkipped, "Skip a task for the day"},
		{"postpone", model.StatusPostponed, "Postpone a task"},
		{"pending", model.StatusPending, "Put a task back to pending"},
	} {
		do := &DateOptions{}
		status := s.status
		cmd := &cobra.Command{
			Use:   s.use + " <task>",
			Short: s.short,
			Long:  "<task> is the number shown by 'duo today' or a task id.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
					d, err := loadDay(ctx, c, do)
					if err != nil {
						return err
					}
					t, err := resolveTask(d, args[0])
					if err != nil {
						return err
					}
					if err := c.SetTaskStatus(ctx, t.ID, status); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", statusGlyph(status), t.TaskName)
					return nil
				})
			},
		}
		addDateArg(cmd, do)
		topLevel.AddCommand(cmd)
	}
}

func addSubtask(topLevel *cobra.Command, o *GlobalOptions) {
	do := &DateOptions{}

	cmd := &cobra.Command{
		Use:   "subtask <task> <subtask>",
		Short: "Tick or untick a subtask",
		Long:  "Both arguments take the number shown by 'duo today' or an id.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				d, err := loadDay(ctx, c, do)
				if err != nil {
					return err
				}
				t, err := resolveTask(d, args[0])
				if err != nil {
					return err
				}
				r, ok := d.Routine(t.RoutineID)
				if !ok {
					return apperror.NotFound("routine", t.RoutineID)
				}
				sub, err := resolveSubtask(r, args[1])
				if err != nil {
					return err
				}
				if err := c.ToggleSubtask(ctx, t.ID, sub.ID); err != nil {
					return err
				}
				after, _ := c.Day().Task(t.ID)
				mark := "[ ]"
				if after.SubtaskDone(sub.ID) {
					mark = "[x]"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", mark, t.TaskName, sub.Text)
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	topLevel.AddCommand(cmd)
}

func addCheckin(topLevel *cobra.Command, o *GlobalOptions) {
	do := &DateOptions{}
	var mood, energy string

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Record the day's mood and energy",
		Example: `
duo checkin --mood good --energy medium
`,
		Args: func(cmd *cobra.Command, _ []string) error {
			if mood == "" && energy == "" {
				return errors.New("requires --mood or --energy")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				if _, err := loadDay(ctx, c, do); err != nil {
					return err
				}
				if err := c.SaveDailyStatus(ctx, model.EnergyLevel(energy), model.Mood(mood)); err != nil {
					return err
				}
				printCheckin(cmd.OutOrStdout(), c.Day().DailyStatus)
				return nil
			})
		},
	}
	addDateArg(cmd, do)
	cmd.Flags().StringVar(&mood, "mood", "", "One of good, meh, difficult.")
	cmd.Flags().StringVar(&energy, "energy", "", "One of high, medium, low.")
	topLevel.AddCommand(cmd)
}

// resolveTask accepts a 1-based position in the day's task list or an id.
func resolveTask(d daydata.Day, arg string) (model.TaskLog, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(d.Tasks) {
			return model.TaskLog{}, apperror.ValidationFailed("task",
				fmt.Sprintf("task %d does not exist; the day has %d tasks", n, len(d.Tasks)))
		}
		return d.Tasks[n-1], nil
	}
	if t, ok := d.Task(arg); ok {
		return t, nil
	}
	return model.TaskLog{}, apperror.NotFound("task", arg)
}

// resolveSubtask accepts a 1-based position in display order or an id.
func resolveSubtask(r model.Routine, arg string) (model.Subtask, error) {
	subs := slices.Clone(r.Subtasks)
	slices.SortStableFunc(subs, func(a, b model.Subtask) int { return a.Order - b.Order })
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(subs) {
			return model.Subtask{}, apperror.ValidationFailed("subtask",
				fmt.Sprintf("subtask %d does not exist; %q has %d", n, r.TaskName, len(subs)))
		}
		return subs[n-1], nil
	}
	i := slices.IndexFunc(subs, func(s model.Subtask) bool { return s.ID == arg })
	if i < 0 {
		return model.Subtask{}, apperror.NotFound("subtask", arg)
	}
	return subs[i], nil
}
