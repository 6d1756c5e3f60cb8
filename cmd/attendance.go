package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/face-attendance/internal/handlers"
	"github.com/example/face-attendance/internal/repository"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Inspect recorded attendance",
}

var attendanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attendance records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttendance(cmd, false)
	},
}

var attendanceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write attendance records as CSV to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttendance(cmd, true)
	},
}

func init() {
	rootCmd.AddCommand(attendanceCmd)
	attendanceCmd.AddCommand(attendanceListCmd, attendanceExportCmd)

	for _, c := range []*cobra.Command{attendanceListCmd, attendanceExportCmd} {
		c.Flags().String("subject", "", "Only this subject")
		c.Flags().String("class", "", "Only this class")
		c.Flags().String("from", "", "Start time (RFC3339 or YYYY-MM-DD, inclusive)")
		c.Flags().String("to", "", "End time (RFC3339 or YYYY-MM-DD, exclusive)")
		c.Flags().String("query", "", "Case-insensitive match on name, subject or class")
		c.Flags().Int("limit", 1000, "Maximum records")
	}
}

func runAttendance(cmd *cobra.Command, csvOut bool) error {
	filter := repository.AttendanceFilter{
		SubjectID: mustGetString(cmd, "subject"),
		ClassID:   mustGetString(cmd, "class"),
		Limit:     mustGetInt(cmd, "limit"),
	}
	var err error
	if filter.From, err = handlers.ParseTime(mustGetString(cmd, "from")); err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	if filter.To, err = handlers.ParseTime(mustGetString(cmd, "to")); err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	a, closeApp, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp()

	records, err := a.repo.ListAttendance(cmd.Context(), filter)
	if err != nil {
		return err
	}
	names, err := a.profiles.Names(cmd.Context(), handlers.SubjectIDs(records))
	if err != nil {
		return err
	}
	rows := handlers.JoinNames(records, names, mustGetString(cmd, "query"))

	if csvOut {
		return handlers.WriteAttendanceCSV(os.Stdout, rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSUBJECT\tCLASS\tRECORDED\tSCORE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\n", r.SubjectName, r.SubjectID, r.ClassID, r.RecordedAt.Format("2006-01-02 15:04"), r.Score)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d record(s)\n", len(rows))
	return nil
}
