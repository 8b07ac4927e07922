package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/repository"
)

// MonitoringService records user-facing notifications: it logs them,
// stores them as error log rows and publishes them on the event bus.
type MonitoringService struct {
	logs   repository.ErrorLogRepository
	bus    events.Bus
	logger *zap.Logger
}

func NewMonitoringService(logs repository.ErrorLogRepository, bus events.Bus, logger *zap.Logger) *MonitoringService {
	if bus == nil {
		bus = events.Nop()
	}
	return &MonitoringService{
		logs:   logs,
		bus:    bus,
		logger: logger,
	}
}

// RecordError 记录错误日志
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	return m.logs.Create(ctx, errorLog)
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

func WithDestination(destination string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Destination = destination
	}
}

func WithSubmission(id string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.SubmissionID = id
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]any) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// Notify surfaces n to the user. It never fails; storage errors are logged.
func (m *MonitoringService) Notify(ctx context.Context, n events.Notification) {
	fields := []zap.Field{
		zap.String("source", n.Source),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.SubmissionID != "" {
		fields = append(fields, zap.String("submission_id", n.SubmissionID))
	}
	if n.Destination != "" {
		fields = append(fields, zap.String("destination", n.Destination))
	}

	switch n.Level {
	case events.LevelError:
		m.logger.Error("Notification", fields...)
	case events.LevelWarn:
		m.logger.Warn("Notification", fields...)
	default:
		m.logger.Info("Notification", fields...)
	}

	options := []ErrorLogOption{WithDestination(n.Destination), WithSubmission(n.SubmissionID)}
	if len(n.Context) > 0 {
		options = append(options, WithContext(n.Context))
	}
	if err := m.RecordError(ctx, string(n.Level), n.Source, n.Title, n.Message, options...); err != nil {
		m.logger.Error("Failed to record notification", zap.Error(err))
	}

	m.bus.Publish(events.Event{Type: events.TypeNotification, Data: n})
}

// Recent returns the latest notifications, newest first.
func (m *MonitoringService) Recent(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	return m.logs.Recent(ctx, limit)
}
