// Package worker schedules and runs the archival pipeline: query eligible
// conversations, retrieve their media, upload to the archive, and mark them
// posted. Failures are isolated per conversation and a failed cycle never
// terminates the daemon.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"recpost/internal/config"
	"recpost/internal/logging"
	"recpost/internal/retriever"
	"recpost/internal/sftp"
	"recpost/internal/store"
)

// manualTimeout bounds a single on-demand conversation run triggered from the
// console, unlike the periodic cycle which is cancellable but unbounded.
const manualTimeout = 5 * time.Minute

// Fetcher produces a conversation's staged deliverable. Satisfied by the
// retriever.
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string, endedAt time.Time) (retriever.File, bool, error)
}

// Worker drives the recurring processing cycle.
type Worker struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	fetcher  Fetcher
	uploader sftp.Uploader
}

// New constructs a worker.
func New(cfg *config.Config, logger *slog.Logger, st *store.Store, fetcher Fetcher, uploader sftp.Uploader) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "worker"),
		store:    st,
		fetcher:  fetcher,
		uploader: uploader,
	}
}

// Run executes cycles until ctx is cancelled. A cycle failure is logged and
// the loop continues after the configured interval (floored to one minute).
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.Interval()
	w.logger.Info("worker started", logging.Duration("interval", interval))

	for {
		if err := w.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			w.logger.Error("processing cycle failed", logging.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-time.After(interval):
		}
	}

	w.logger.Info("worker stopped")
	return nil
}

// RunCycle performs one complete pass over the eligible conversations.
// Per-conversation failures are logged and skipped; a store failure ends the
// cycle early and the next scheduled cycle starts from a fresh query.
func (w *Worker) RunCycle(ctx context.Context) error {
	window := w.window()
	conversations, err := w.store.Eligible(ctx, w.cfg.Worker.DivisionID, window)
	if err != nil {
		return fmt.Errorf("eligibility query: %w", err)
	}
	if len(conversations) == 0 {
		w.logger.Debug("no eligible conversations",
			logging.Time("window_start", window.Start),
			logging.Time("window_end", window.End),
		)
		return nil
	}

	w.logger.Info("processing cycle started",
		logging.Int("eligible", len(conversations)),
		logging.Time("window_start", window.Start),
	)

	for _, conv := range conversations {
		if err := ctx.Err(); err != nil {
			// Abandon the remainder of the batch cleanly.
			return err
		}
		if err := w.process(ctx, conv); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Error("failed processing conversation",
				logging.String("conversation_id", conv.ConversationID),
				logging.Error(err),
			)
		}
	}
	return nil
}

// ProcessConversation runs the retrieval pipeline for a single conversation
// on demand, bounded by a timeout. Used by the console's manual trigger.
func (w *Worker) ProcessConversation(ctx context.Context, conversationID string) error {
	runCtx, cancel := context.WithTimeout(ctx, manualTimeout)
	defer cancel()

	conv, err := w.store.Get(runCtx, conversationID)
	if err != nil {
		return err
	}
	if conv.Posted {
		return fmt.Errorf("conversation %s is already posted", conversationID)
	}
	return w.process(runCtx, *conv)
}

func (w *Worker) process(ctx context.Context, conv store.Conversation) error {
	file, ok, err := w.fetcher.Fetch(ctx, conv.ConversationID, conv.EndedAt)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Warn("no file downloaded for conversation",
			logging.String("conversation_id", conv.ConversationID),
		)
		return nil
	}

	folder := sftp.DestinationFolder(archiveTime(conv.EndedAt))
	if err := w.uploader.Upload(ctx, file.Path, folder); err != nil {
		return fmt.Errorf("upload %s: %w", file.Name, err)
	}

	// Commit point: posted flips only after the transfer succeeded.
	changed, err := w.store.MarkPosted(ctx, conv.ConversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	if !changed {
		w.logger.Info("conversation already posted by another run",
			logging.String("conversation_id", conv.ConversationID),
		)
	}

	if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to delete staged file",
			logging.String("path", file.Path),
			logging.Error(err),
		)
	}

	w.logger.Info("conversation posted",
		logging.String("conversation_id", conv.ConversationID),
		logging.String("folder", folder),
	)
	return nil
}

func (w *Worker) window() store.Window {
	if date := w.cfg.Worker.WindowDate; date != "" {
		if day, err := time.Parse("2006-01-02", date); err == nil {
			return store.DayWindow(day)
		}
	}
	return store.DayWindow(time.Now().UTC())
}

func archiveTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
