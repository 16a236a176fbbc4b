package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/session"
)

var (
	userStyle      = color.New(color.FgCyan, color.Bold)
	assistantStyle = color.New(color.FgGreen, color.Bold)
	systemStyle    = color.New(color.FgYellow)
	errorStyle     = color.New(color.FgRed, color.Bold)
	dimStyle       = color.New(color.Faint)
)

// formatSize renders a byte count for people.
func formatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	return humanize.IBytes(uint64(n))
}

func percent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

func renderMessage(w io.Writer, m session.Message) {
	switch m.Role {
	case session.RoleUser:
		userStyle.Fprint(w, "You: ")
	case session.RoleAssistant:
		assistantStyle.Fprint(w, "Assistant: ")
	case session.RoleError:
		errorStyle.Fprint(w, "Error: ")
	default:
		systemStyle.Fprint(w, "» ")
	}
	fmt.Fprintln(w, m.Content)

	if m.Confidence != nil {
		dimStyle.Fprintf(w, "Confidence: %s\n", percent(*m.Confidence))
	}
	if len(m.Sources) > 0 {
		dimStyle.Fprintf(w, "Sources (%d):\n", len(m.Sources))
		for i, src := range m.Sources {
			dimStyle.Fprintf(w, "  [%d] %s - Chunk %d (similarity %s, confidence %s)\n",
				i+1, src.DocumentName, src.ChunkIndex, percent(src.Similarity), percent(src.Confidence))
			if src.Preview != "" {
				dimStyle.Fprintf(w, "      %q\n", src.Preview)
			}
		}
	}
}

func renderRecord(w io.Writer, rec ingest.Record) {
	size := formatSize(rec.SizeBytes)
	switch rec.Status {
	case ingest.StatusCompleted:
		chunks := 0
		if rec.ChunksProcessed != nil {
			chunks = *rec.ChunksProcessed
		}
		assistantStyle.Fprint(w, "✓ ")
		fmt.Fprintf(w, "%s (%s) %d chunks\n", rec.Name, size, chunks)
		if rec.ArchiveInfo != nil {
			dimStyle.Fprintf(w, "  %d files extracted: %s\n", rec.ArchiveInfo.FileCount, strings.Join(rec.ArchiveInfo.ExtractedFiles, ", "))
		}
	case ingest.StatusFailed:
		errorStyle.Fprint(w, "✗ ")
		fmt.Fprintf(w, "%s (%s): %s\n", rec.Name, size, rec.Error)
	default:
		systemStyle.Fprint(w, "… ")
		fmt.Fprintf(w, "%s (%s) %s\n", rec.Name, size, rec.Status)
	}
}
