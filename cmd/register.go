package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/progress"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a subject's reference image",
	Long: `Upload a reference image for a subject and create or replace its profile.
Upload progress is shown as a bar.`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("subject", "", "Subject id")
	registerCmd.Flags().String("name", "", "Display name")
	registerCmd.Flags().String("image", "", "Path to the reference image (JPEG, PNG, GIF or BMP)")
	_ = registerCmd.MarkFlagRequired("subject")
	_ = registerCmd.MarkFlagRequired("image")
}

func runRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(mustGetString(cmd, "image"))
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return err
	}

	a, closeApp, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp()

	stream := progress.NewStream()
	events, unsubscribe := stream.Subscribe()
	defer unsubscribe()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Uploading reference"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range events {
			_ = bar.Set(ev.Percent)
		}
	}()

	ref, err := a.profiles.RegisterReference(cmd.Context(), mustGetString(cmd, "subject"), mustGetString(cmd, "name"), img, stream)
	<-rendered
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s: blob %s (%d bytes, %s)\n", mustGetString(cmd, "subject"), ref.ID, ref.Size, ref.ContentType)
	return nil
}
