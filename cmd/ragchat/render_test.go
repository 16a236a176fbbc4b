package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/session"
)

func TestFormatSize(t *testing.T) {
	require.Equal(t, "0 Bytes", formatSize(0))
	require.Equal(t, "5 B", formatSize(5))
	require.Equal(t, "1.0 KiB", formatSize(1024))
	require.Equal(t, "10 MiB", formatSize(10*1024*1024))
}

func TestRenderRecord(t *testing.T) {
	color.NoColor = true
	chunks := 3

	var buf bytes.Buffer
	renderRecord(&buf, ingest.Record{Name: "a.zip", SizeBytes: 2048, Status: ingest.StatusCompleted, ChunksProcessed: &chunks,
		ArchiveInfo: &ingest.ArchiveInfo{FileCount: 2, ExtractedFiles: []string{"x.txt", "y.pdf"}}})
	renderRecord(&buf, ingest.Record{Name: "b.pdf", Status: ingest.StatusFailed, Error: "Vector store offline"})
	renderRecord(&buf, ingest.Record{Name: "c.txt", SizeBytes: 1, Status: ingest.StatusIngesting})

	require.Equal(t,
		"✓ a.zip (2.0 KiB) 3 chunks\n"+
			"  2 files extracted: x.txt, y.pdf\n"+
			"✗ b.pdf (0 Bytes): Vector store offline\n"+
			"… c.txt (1 B) ingesting\n",
		buf.String())
}

func TestRenderMessage(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	renderMessage(&buf, session.Message{Role: session.RoleError, Content: "Failed to get response. Please try again."})
	renderMessage(&buf, session.Message{Role: session.RoleSystem, Content: session.Greeting})
	require.Equal(t, "Error: Failed to get response. Please try again.\n» "+session.Greeting+"\n", buf.String())
}
