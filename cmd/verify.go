package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/grpcclient"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/usecase"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Capture a frame and verify a subject for a class",
	Long: `Run one verification. Locally the camera named by --device is used and
attendance is written to the configured database. With --remote the request
is sent to a running service over gRPC using --token for identity.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("subject", "", "Subject id to verify")
	verifyCmd.Flags().String("class", "", "Class id to record attendance for")
	verifyCmd.Flags().String("facing", "", "Camera facing: front or back (defaults to policy)")
	verifyCmd.Flags().String("remote", "", "gRPC address of a running service")
	verifyCmd.Flags().String("token", "", "Bearer token for --remote (defaults to ATTENDANCE_TOKEN)")
	_ = verifyCmd.MarkFlagRequired("class")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if remote := mustGetString(cmd, "remote"); remote != "" {
		return runRemoteVerify(cmd, remote)
	}

	subjectID := mustGetString(cmd, "subject")
	if subjectID == "" {
		return fmt.Errorf("--subject is required for local verification")
	}

	a, closeApp, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp()

	cfg := a.cfg.Policy.Capture
	if facing := mustGetString(cmd, "facing"); facing != "" {
		cfg.Facing = capture.Facing(facing)
	}

	outcome := a.verifier.Verify(cmd.Context(), subjectID, mustGetString(cmd, "class"), cfg)
	if err := printJSON(outcome); err != nil {
		return err
	}
	switch outcome.Kind {
	case usecase.OutcomeAccepted, usecase.OutcomeRejected:
		return nil
	default:
		return fmt.Errorf("verification %s: %s", outcome.Kind, outcome.Reason)
	}
}

func runRemoteVerify(cmd *cobra.Command, addr string) error {
	token := mustGetString(cmd, "token")
	if token == "" {
		token = os.Getenv("ATTENDANCE_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("--token or ATTENDANCE_TOKEN is required with --remote")
	}
	logger, err := logging.NewLogger(mustGetString(cmd, "log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, conn, err := grpcclient.Dial(cmd.Context(), addr, token, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := grpcclient.Request{
		ClassID:   mustGetString(cmd, "class"),
		SubjectID: mustGetString(cmd, "subject"),
	}
	if facing := mustGetString(cmd, "facing"); facing != "" {
		req.Capture = &capture.Config{Facing: capture.Facing(facing)}
	}
	res, err := client.Verify(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
