package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "face-attendance",
	Short: "Face-verified attendance kiosk service",
	Long: `face-attendance captures a frame from a local camera, compares it with a
subject's registered reference image and records attendance when the two
match closely enough.

Configuration comes from the environment (optionally a .env file) and an
optional YAML policy file named by POLICY_FILE.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().String("device", "", `Camera device: empty for V4L2, "static:<image>" to serve a file`)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
