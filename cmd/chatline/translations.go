package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/chatline/internal/jsonutil"
)

const referenceTranslation = "en-US.json"

var lintTranslationsCmd = &cobra.Command{
	Use:   "lint-translations [dir]",
	Short: "Check translation files against " + referenceTranslation,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ".chatline/translations"
		if len(args) == 1 {
			dir = args[0]
		}
		return lintTranslations(dir, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(lintTranslationsCmd)
}

// lintTranslations reports every key a translation is missing or adds
// relative to the reference file. It fails if any file differs.
func lintTranslations(dir string, out io.Writer) error {
	reference, err := readTranslation(filepath.Join(dir, referenceTranslation))
	if err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	failed := 0
	for _, file := range files {
		name := filepath.Base(file)
		if name == referenceTranslation {
			continue
		}
		target, err := readTranslation(file)
		if err != nil {
			return err
		}
		diffs := jsonutil.CompareStructures(reference, target)
		if len(diffs) == 0 {
			fmt.Fprintf(out, "%s: ok\n", name)
			continue
		}
		failed++
		fmt.Fprintf(out, "%s: %d problem(s)\n", name, len(diffs))
		for _, d := range diffs {
			fmt.Fprintf(out, "  %s\n", d)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d translation file(s) do not match %s", failed, referenceTranslation)
	}
	return nil
}

func readTranslation(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read translation: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}
