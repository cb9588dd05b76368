package services

import (
	"context"
	"log/slog"

	appconfig "github.com/manthysbr/easel/internal/config"
	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/ports"
)

// ResultDispatcher is the single consumer of the result queue. For each
// finished item it releases the in-flight registration, which also winds
// down the channel's typing indicator, and hands the outcome to the chat
// notifier.
type ResultDispatcher struct {
	logger   *slog.Logger
	cfg      *appconfig.Config
	inflight *InFlight
	notifier ports.Notifier
	results  <-chan *domain.WorkItem
}

func NewResultDispatcher(logger *slog.Logger, cfg *appconfig.Config, inflight *InFlight,
	notifier ports.Notifier, results <-chan *domain.WorkItem) *ResultDispatcher {
	return &ResultDispatcher{
		logger:   logger,
		cfg:      cfg,
		inflight: inflight,
		notifier: notifier,
		results:  results,
	}
}

// Run drains results until ctx is cancelled.
func (d *ResultDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-d.results:
			d.dispatch(item)
		}
	}
}

func (d *ResultDispatcher) dispatch(item *domain.WorkItem) {
	reg, ok := d.inflight.Finish(item.ContextHandle)
	if !ok {
		d.logger.Error("result for unknown handle", "handle", item.ContextHandle)
		return
	}

	if len(item.Images) == 0 {
		d.logger.Info("request failed", "handle", item.ContextHandle, "reason", item.ErrorMessage)
		d.notifier.Failed(item.ContextHandle, item.ErrorMessage)
		return
	}

	d.logger.Info("request completed", "handle", item.ContextHandle, "images", len(item.Images))
	d.notifier.Succeeded(item.ContextHandle, item.Images, d.cfg.SpoilerImages(reg.ChannelID))
}
