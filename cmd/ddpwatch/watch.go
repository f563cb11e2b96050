package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-ddp/pkg/client"
	"github.com/lightforgemedia/go-ddp/pkg/collection"
)

// watcher keeps a client connected and subscribed, printing every event of
// the watched collections. After a connection loss it reconnects, offering
// the previous session, and subscribes again.
type watcher struct {
	cfg    *Config
	cli    *client.Client
	logger *slog.Logger
	p      *printer
}

func (w *watcher) run(ctx context.Context) error {
	var wg sync.WaitGroup
	var observers []*collection.Observer
	for _, name := range w.cfg.WatchedCollections() {
		obs := w.cli.Collection(name).Observe()
		observers = append(observers, obs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range obs.Events() {
				w.p.event(ev)
			}
		}()
	}
	defer func() {
		for _, obs := range observers {
			obs.Close()
		}
		wg.Wait()
	}()

	for {
		if err := w.cli.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, client.ErrProtocolVersion) {
				return err
			}
			w.logger.Warn("connect failed", "url", w.cfg.URL, "error", err)
			if !sleepCtx(ctx, w.cfg.RetryDelay) {
				return nil
			}
			continue
		}
		w.p.status("connected to %s (session %s)", w.cfg.URL, w.cli.Session())
		w.subscribeAll(ctx)

		err := w.cli.WaitDisconnected(ctx)
		if ctx.Err() != nil {
			w.cli.Disconnect()
			return nil
		}
		w.p.status("disconnected: %v", err)
	}
}

func (w *watcher) subscribeAll(ctx context.Context) {
	for _, sc := range w.cfg.Subscriptions {
		sub, err := w.cli.Subscribe(ctx, sc.Name, sc.Params...)
		if err != nil {
			w.logger.Warn("subscribe failed", "publication", sc.Name, "error", err)
			continue
		}
		go func() {
			if err := sub.Wait(ctx); err != nil {
				if ctx.Err() == nil {
					w.p.status("subscription %s failed: %v", sub.Name, err)
				}
				return
			}
			w.p.status("subscription %s ready", sub.Name)
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
