// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"strings"

	"github.com/jeranaias/kot-relay/internal/storage"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports sessions to a standalone HTML page.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

// Export converts a session to HTML. All user-controlled text is escaped.
func (e *HTMLExporter) Export(sess *storage.SavedSession) ([]byte, error) {
	if err := validate(sess); err != nil {
		return nil, err
	}

	var sb strings.Builder
	title := html.EscapeString(sess.Name)

	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n<style>%s</style>\n</head>\n<body>\n", title, pageCSS)
	fmt.Fprintf(&sb, "<header><h1>%s</h1>\n", title)
	if e.options.IncludeMetadata {
		fmt.Fprintf(&sb, "<p class=\"meta\">Created %s &middot; Updated %s &middot; %d messages</p>\n",
			formatTimestamp(sess.CreatedAt), formatTimestamp(sess.UpdatedAt), len(sess.Messages))
	}
	sb.WriteString("</header>\n<main>\n")

	for _, msg := range sess.Messages {
		fmt.Fprintf(&sb, "<section class=\"msg %s\">\n<h2>%s", html.EscapeString(string(msg.Role)), html.EscapeString(roleLabel(msg.Role)))
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, " <small>%s</small>", formatShortTimestamp(msg.Timestamp))
		}
		sb.WriteString("</h2>\n")
		sb.WriteString(formatContent(msg.Content))

		if len(msg.Files) > 0 {
			sb.WriteString("<ul class=\"files\">\n")
			for _, f := range msg.Files {
				fmt.Fprintf(&sb, "<li>%s</li>\n", html.EscapeString(attachmentLine(f)))
			}
			sb.WriteString("</ul>\n")
		}
		sb.WriteString("</section>\n")
	}

	sb.WriteString("</main>\n</body>\n</html>\n")
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html; charset=utf-8"
}

// formatContent renders fenced code blocks as <pre><code> and the rest as
// paragraphs. Everything is escaped, including the fence language.
func formatContent(content string) string {
	var sb strings.Builder
	var para []string
	inCode := false

	flush := func() {
		if len(para) > 0 {
			fmt.Fprintf(&sb, "<p>%s</p>\n", strings.Join(para, "<br>\n"))
			para = para[:0]
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				sb.WriteString("</code></pre>\n")
			} else {
				flush()
				lang := html.EscapeString(strings.TrimPrefix(trimmed, "```"))
				if lang != "" {
					fmt.Fprintf(&sb, "<pre data-lang=\"%s\"><code>", lang)
				} else {
					sb.WriteString("<pre><code>")
				}
			}
			inCode = !inCode
			continue
		}
		if inCode {
			sb.WriteString(html.EscapeString(line))
			sb.WriteString("\n")
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		para = append(para, html.EscapeString(line))
	}

	if inCode {
		sb.WriteString("</code></pre>\n")
	}
	flush()
	return sb.String()
}

const pageCSS = `body{font-family:system-ui,sans-serif;max-width:860px;margin:2rem auto;padding:0 1rem;color:#222}
.meta{color:#777;font-size:.9rem}
.msg{border-left:3px solid #ccc;padding:.25rem 1rem;margin:1rem 0}
.msg.user{border-color:#3b82f6}
.msg.assistant{border-color:#10b981}
.msg.error{border-color:#ef4444}
.msg.warning{border-color:#f59e0b}
h2{font-size:1rem;margin:.5rem 0}
h2 small{color:#999;font-weight:normal}
pre{background:#f4f4f5;padding:.75rem;overflow-x:auto}
.files{color:#555;font-size:.9rem}`
