package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/telegraph"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Pinned status card commands",
	}

	cmd.AddCommand(newCardPreviewCmd())
	return cmd
}

func newCardPreviewCmd() *cobra.Command {
	var (
		configPath string
		note       string
	)

	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Render an order's card without posting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orders.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printCard(cmd, telegraph.Render(o, note))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&note, "note", "", "event line to render under the card body")
	return cmd
}

var (
	titleColor  = color.New(color.Bold)
	buttonColor = map[telegraph.ButtonStyle]*color.Color{
		telegraph.ButtonPrimary:   color.New(color.FgGreen),
		telegraph.ButtonSecondary: color.New(color.FgCyan),
		telegraph.ButtonDanger:    color.New(color.FgRed),
	}
)

func printCard(cmd *cobra.Command, card telegraph.Card) {
	out := cmd.OutOrStdout()
	titleColor.Fprintln(out, card.Title)
	fmt.Fprintf(out, "stage: %s  color: %s\n\n", card.Stage, card.Color)
	fmt.Fprintln(out, card.Text)
	if len(card.Buttons) == 0 {
		return
	}
	fmt.Fprintln(out)
	for _, b := range card.Buttons {
		c, ok := buttonColor[b.Style]
		if !ok {
			c = buttonColor[telegraph.ButtonSecondary]
		}
		fmt.Fprintf(out, "  %s  %s\n", c.Sprintf("[%s]", b.Label), b.Payload)
	}
}
