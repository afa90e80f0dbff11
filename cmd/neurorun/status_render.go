package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"neurorun/internal/deps"
	"neurorun/internal/ledger"
	"neurorun/internal/preflight"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 22
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

// ledgerStatusText renders a ledger status for table cells.
func ledgerStatusText(status ledger.Status, colorize bool) string {
	label := string(status)
	if label == "" {
		label = string(ledger.StatusPending)
	}
	if !colorize {
		return label
	}
	switch status {
	case ledger.StatusSuccess:
		return ansiGreen + label + ansiReset
	case ledger.StatusFailed:
		return ansiRed + label + ansiReset
	case ledger.StatusRunning:
		return ansiBlue + label + ansiReset
	default:
		return ansiYellow + label + ansiReset
	}
}

func dependencyLines(statuses []deps.Status, colorize bool) []string {
	lines := make([]string, 0, len(statuses)+1)
	missing := deps.Missing(statuses)
	if len(missing) == 0 {
		lines = append(lines, renderStatusLine("Summary", statusOK, fmt.Sprintf("%d checked, all required available", len(statuses)), colorize))
	} else {
		lines = append(lines, renderStatusLine("Summary", statusError, fmt.Sprintf("%d required missing", len(missing)), colorize))
	}
	for _, s := range statuses {
		switch {
		case s.Available:
			detail := "Ready"
			if s.Command != "" {
				detail = fmt.Sprintf("Ready (%s)", s.Command)
			}
			if s.Detail != "" && s.Detail != s.Command {
				detail += " - " + s.Detail
			}
			lines = append(lines, renderStatusLine(s.Name, statusOK, detail, colorize))
		case s.Optional:
			lines = append(lines, renderStatusLine(s.Name, statusWarn, dependencyDetail(s), colorize))
		default:
			lines = append(lines, renderStatusLine(s.Name, statusError, dependencyDetail(s), colorize))
		}
	}
	return lines
}

func dependencyDetail(s deps.Status) string {
	detail := s.Detail
	if detail == "" {
		detail = "not available"
	}
	if s.Command != "" && !strings.Contains(detail, s.Command) {
		detail = fmt.Sprintf("%s (%s)", detail, s.Command)
	}
	if s.Description != "" {
		detail += "; " + s.Description
	}
	return detail
}

func preflightLines(results []preflight.Result, colorize bool) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		kind := statusOK
		if !r.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
	return lines
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
