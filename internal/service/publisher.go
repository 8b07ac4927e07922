package service

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/substack"
	"github.com/ifuryst/crosspost/internal/service/publisher/webhook"
)

// NewRegistry builds an adapter for every enabled destination in cfg.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*publisher.Registry, error) {
	registry := publisher.NewRegistry(logger, config.Duration(cfg.Posting.DefaultCooldown, config.DefaultCooldown))

	for _, d := range cfg.Destinations {
		if !d.IsEnabled() {
			logger.Info("Destination disabled", zap.String("destination", d.Name))
			continue
		}

		adapter, err := newAdapter(d, logger)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", d.Name, err)
		}

		opts := publisher.Options{
			Cooldown:        config.Duration(d.Cooldown, 0),
			RefreshInterval: config.Duration(d.RefreshInterval, 0),
		}
		if err := registry.Register(adapter, opts); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func newAdapter(d config.DestinationConfig, logger *zap.Logger) (publisher.Adapter, error) {
	switch d.Type {
	case "webhook":
		if err := webhook.ValidateOptions(d.Options); err != nil {
			return nil, err
		}
		return webhook.NewWebhookPublisher(d.Name, webhook.Config{
			URL:        d.Options["url"],
			StatusURL:  d.Options["status_url"],
			RefreshURL: d.Options["refresh_url"],
			Token:      d.Options["token"],
			Timeout:    config.Duration(d.Options["timeout"], 30*time.Second),
		}, logger), nil
	case "substack":
		if err := substack.ValidateOptions(d.Options); err != nil {
			return nil, err
		}
		autoPublish, _ := strconv.ParseBool(d.Options["auto_publish"])
		return substack.NewSubstackPublisher(d.Name, substack.Config{
			Domain:      d.Options["domain"],
			Cookie:      d.Options["cookie"],
			BaseURL:     d.Options["base_url"],
			AutoPublish: autoPublish,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", d.Type)
	}
}
