package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/skald-org/skald-agent/internal/archive"
	"github.com/skald-org/skald-agent/internal/memory"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// handleTranscript renders the full history of a conversation: the
// archived entries followed by whatever is still in the live window.
// Markdown by default, rendered HTML with ?format=html.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured", s.logger)
		return
	}
	id := r.PathValue("id")

	entries, err := s.archive.Transcript(id)
	if err != nil {
		s.logger.Error("transcript query failed", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "transcript query failed", s.logger)
		return
	}

	var state *memory.ConversationState
	if s.convs != nil {
		state, err = s.convs.Load(id)
		if err != nil {
			s.logger.Error("load conversation failed", "conversation", id, "error", err)
		}
	}
	if len(entries) == 0 && state == nil {
		writeError(w, http.StatusNotFound, "conversation not found", s.logger)
		return
	}

	md := renderTranscriptMarkdown(id, entries, state)

	if r.URL.Query().Get("format") == "html" {
		var buf strings.Builder
		buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
		buf.WriteString(id)
		buf.WriteString("</title></head><body>\n")
		if err := transcriptMarkdown.Convert([]byte(md), &buf); err != nil {
			s.logger.Error("markdown render failed", "conversation", id, "error", err)
			writeError(w, http.StatusInternalServerError, "render failed", s.logger)
			return
		}
		buf.WriteString("\n</body></html>\n")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, buf.String())
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, md)
}

func renderTranscriptMarkdown(id string, entries []archive.Entry, state *memory.ConversationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", id)

	if len(entries) > 0 {
		b.WriteString("## Archived history\n\n")
		for _, e := range entries {
			label := e.Role
			if e.Folded {
				label += " (summarized)"
			}
			fmt.Fprintf(&b, "**%s** · %s\n\n%s\n\n", label, e.Timestamp.Format("2006-01-02 15:04:05"), e.Content)
		}
	}

	if state != nil {
		if state.Summary != "" {
			b.WriteString("## Summary\n\n")
			b.WriteString(state.Summary)
			b.WriteString("\n\n")
		}
		if len(state.Recent) > 0 {
			b.WriteString("## Active window\n\n")
			for _, m := range state.Recent {
				fmt.Fprintf(&b, "**%s** · %s\n\n%s\n\n", m.Role, m.Timestamp.Format("2006-01-02 15:04:05"), m.Content)
			}
		}
	}
	return b.String()
}
