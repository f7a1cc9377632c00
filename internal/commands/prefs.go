package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/duo-routine/internal/app"
	"github.com/sakif/duo-routine/internal/model"
)

func addPrefs(topLevel *cobra.Command, o *GlobalOptions) {
	var theme, fontSize string

	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Set the theme and font size shared by every device",
		Example: `
duo prefs --theme midnight --font-size large
`,
		Args: func(cmd *cobra.Command, _ []string) error {
			if theme == "" && fontSize == "" {
				return errors.New("requires --theme or --font-size")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o, true, func(ctx context.Context, c *app.Client) error {
				u := c.Session().User
				t, f := model.ThemeOcean, model.FontNormal
				if u.Theme != "" {
					t = u.Theme
				}
				if u.FontSize != "" {
					f = u.FontSize
				}
				if theme != "" {
					t = model.Theme(theme)
				}
				if fontSize != "" {
					f = model.FontSize(fontSize)
				}
				if err := c.UpdatePreferences(ctx, t, f); err != nil {
					return err
				}
				u = c.Session().User
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Theme %s, font size %s\n", u.Theme, u.FontSize)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&theme, "theme", "", "ocean or midnight.")
	cmd.Flags().StringVar(&fontSize, "font-size", "", "normal or large.")
	topLevel.AddCommand(cmd)
}
