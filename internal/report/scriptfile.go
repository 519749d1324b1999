package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SaveScript writes the run's plan as a SQL migration file under dir and
// returns the file path. The filename sorts chronologically so the directory
// doubles as a migration history.
func SaveScript(dir string, run *Run) (string, error) {
	if run.Plan == nil || run.Plan.Empty() {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations dir: %w", err)
	}

	stamp := run.StartedAt.Format("20060102T150405")
	shortID, _, _ := strings.Cut(run.ID, "-")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_to_%s_%s.sql", stamp, run.Source, run.Target, shortID))

	var b strings.Builder
	fmt.Fprintf(&b, "-- pgreconcile run %s\n-- %s -> %s, mode %s\n-- generated %s\n\n",
		run.ID, run.Source, run.Target, run.Mode, run.StartedAt.Format(time.RFC3339))
	renderer := NewTextRenderer(&b)
	if err := renderer.RenderSQL(run.Plan); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}
	return path, nil
}
