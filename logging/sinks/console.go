package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"scene-sync/engine/logging"
)

// ConsoleSink renders events as single log lines for operators.
type ConsoleSink struct {
	logger   *log.Logger
	useColor bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{
		logger:   log.New(w, "", log.LstdFlags),
		useColor: cfg.UseColor,
	}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	category := ""
	if event.Category != "" {
		category = fmt.Sprintf(" category=%s", event.Category)
	}
	payload := formatPayload(event.Payload)
	targets := formatTargets(event.Targets)
	s.logger.Printf("[%s] tick=%d actor=%s severity=%s%s%s%s",
		event.Type, event.Tick, formatEntity(event.Actor), s.formatSeverity(event.Severity), category, targets, payload)
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func (s *ConsoleSink) formatSeverity(sev logging.Severity) string {
	name := "unknown"
	color := ""
	switch sev {
	case logging.SeverityDebug:
		name, color = "debug", "\033[36m"
	case logging.SeverityInfo:
		name, color = "info", "\033[32m"
	case logging.SeverityWarn:
		name, color = "warn", "\033[33m"
	case logging.SeverityError:
		name, color = "error", "\033[31m"
	}
	if !s.useColor || color == "" {
		return name
	}
	return color + name + "\033[0m"
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatTargets(targets []logging.EntityRef) string {
	if len(targets) == 0 {
		return ""
	}
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return fmt.Sprintf(" targets=%s", strings.Join(parts, ","))
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
