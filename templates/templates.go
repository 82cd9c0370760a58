// Package templates renders the despatchflow pages.
package templates

import (
	"fmt"
	"strconv"

	"despatchflow/internal/history"
	"despatchflow/internal/models"
)

// WorkspaceView is everything the signed-in page shows.
type WorkspaceView struct {
	Snapshot models.Snapshot
	Metadata models.Metadata
	Preview  string
	History  []history.Entry
	// Notice is a one-off message carried over a redirect.
	Notice string
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("(%.1f MB)", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("(%.1f KB)", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("(%d B)", n)
	}
}

func generation(s models.Snapshot) string {
	return strconv.FormatUint(s.Generation, 10)
}

func converting(s models.Snapshot) bool {
	return s.Conversion.Phase == models.ConversionRunning
}
