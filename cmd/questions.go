package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/registry"
	"github.com/sells-group/smartbroker/pkg/notion"
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Show the active question set in research order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("file")

		var client notion.Client
		if cfg.Notion.Token != "" {
			client = notion.NewClient(cfg.Notion.Token)
		}
		questions, err := loadQuestions(cmd.Context(), client, path)
		if err != nil {
			return err
		}
		if err := model.ValidateQuestions(questions); err != nil {
			return err
		}

		formatQuestions(os.Stdout, model.SortByCost(questions))
		return nil
	},
}

var questionsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a question file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		questions, err := registry.LoadQuestionsFromFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %d valid questions\n", args[0], len(questions))
		return nil
	},
}

// formatQuestions writes a tabular question list to w.
func formatQuestions(out io.Writer, questions []model.Question) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tID\tPOSITIVE\tDISQUALIFYING\tTEXT")
	for _, q := range questions {
		text := q.Text
		if len(text) > 70 {
			text = text[:67] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", q.CostRank, q.ID, q.PositiveAnswer, q.Disqualifying, text)
	}
	_ = w.Flush()
}

func init() {
	questionsCmd.Flags().String("file", "", "question file (.json or .yaml)")
	questionsCmd.AddCommand(questionsValidateCmd)
	rootCmd.AddCommand(questionsCmd)
}
