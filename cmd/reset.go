package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetOutput  bool
	resetUploads bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove saved crops and uploaded videos",
	Long:  "Clears generated files. By default, it clears everything. Use flags to clear specific directories.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetOutput && !resetUploads {
			resetOutput = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetOutput {
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all saved crops in %s?", cfg.OutputDir)) {
				fmt.Println("🗑️  Clearing saved crops...")
				removeDir(cfg.OutputDir)
			}
		}

		if resetUploads {
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all uploaded videos in %s?", cfg.Server.UploadDir)) {
				fmt.Println("🗑️  Clearing uploads...")
				removeDir(cfg.Server.UploadDir)
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetOutput, "output", false, "Clear saved crops and results")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear videos uploaded to the server")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" {
		fmt.Fprintf(os.Stderr, "⚠️  Refusing to remove %q\n", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
