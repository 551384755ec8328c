package commands

import (
	"fmt"
	"io"
	"strings"

	"consultwatch/internal/portal"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	listAll       bool
	askDraft      bool
	askAttachment string
)

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "List every folder instead of just one.")
	askCmd.Flags().BoolVar(&askDraft, "draft", false, "Save the question as a draft.")
	askCmd.Flags().StringVar(&askAttachment, "attach", "", "A file to attach to the question.")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(profileCmd)
}

func writeSummaries(t table.Writer, summaries []portal.MessageSummary) {
	t.AppendHeader(table.Row{"Id", "Folder", "Subject", "Date", "Time", "Answered"})
	for _, s := range summaries {
		answered := "no"
		if s.Answered {
			answered = "yes"
		}
		t.AppendRow(table.Row{s.Id, s.Folder, s.Subject, s.Date, s.Time, answered})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d messages", len(summaries))})
	t.Render()
}

func writeDetail(out io.Writer, d portal.MessageDetail) {
	fmt.Fprintf(out, "Subject: %s\n", d.Subject)
	if d.Sender != "" {
		fmt.Fprintf(out, "From: %s\n", d.Sender)
	}
	if d.Date != "" {
		fmt.Fprintf(out, "Date: %s\n", d.Date)
	}
	fmt.Fprintf(out, "\n%s\n", d.Content())
	if len(d.Attachments) > 0 {
		fmt.Fprintln(out)
		for _, a := range d.Attachments {
			fmt.Fprintf(out, "Attachment: %s (%s)\n", a.Name, a.Url)
		}
	}
	fmt.Fprintf(out, "\n%s\n", d.Url)
}

var listCmd = &cobra.Command{
	Use:   "list [folder] [--all]",
	Short: "Lists the messages in a folder, inbox by default.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		var summaries []portal.MessageSummary
		if listAll {
			summaries, err = app.Service.ListAll(cmd.Context())
		} else {
			folder := app.Config.Poll.Folder
			if len(args) > 0 {
				folder = args[0]
			}
			summaries, err = app.Service.ListFolder(cmd.Context(), folder)
		}
		if err != nil {
			return err
		}
		writeSummaries(newTable(cmd), summaries)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id or url>",
	Short: "Shows a message with its answer and attachments.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		detail, err := app.Service.FetchDetail(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		writeDetail(cmd.OutOrStdout(), detail)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question...> [--draft] [--attach <path>]",
	Short: "Sends a new e-consult question.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := portal.Question{
			Text:           strings.Join(args, " "),
			Draft:          askDraft,
			AttachmentPath: askAttachment,
		}
		err := question.Validate()
		if err != nil {
			return err
		}

		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		err = app.Service.SubmitQuestion(cmd.Context(), question)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "question submitted")
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Shows the account holder's name and patient details.",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		profile, err := app.Service.FetchProfile(cmd.Context())
		if err != nil {
			return err
		}
		t := newTable(cmd)
		t.AppendHeader(table.Row{profile.Name})
		for _, d := range profile.Details {
			t.AppendRow(table.Row{d})
		}
		t.Render()
		return nil
	},
}
