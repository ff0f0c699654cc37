// Package retriever resolves a conversation's recordings from the provider
// and materializes the primary deliverable on local disk. Audio is downloaded
// directly; screen recordings are delegated to the segment merger, which
// uploads its own output. Every failure here is contained to the conversation
// being processed so one bad record cannot abort a batch.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"recpost/internal/config"
	"recpost/internal/genesys"
	"recpost/internal/logging"
	"recpost/internal/merge"
)

// File is a locally staged deliverable.
type File struct {
	Path string
	Name string
}

// Provider is the slice of the Genesys client the retriever uses.
type Provider interface {
	Login(ctx context.Context) error
	RecordingMetadata(ctx context.Context, conversationID string) ([]genesys.Metadata, error)
	FetchRecordingWithRetry(ctx context.Context, conversationID, recordingID string) (*genesys.Recording, error)
	Download(ctx context.Context, uri, destPath string) error
}

// ScreenMerger concatenates and archives a screen recording's segments.
type ScreenMerger interface {
	Merge(ctx context.Context, dl merge.MediaDownloader, conversationID, recordingID string, endedAt time.Time, segments []genesys.SegmentURI) error
}

// ProviderFactory builds a fresh provider client. A new client (and token) is
// used per retrieval so no session state leaks across conversations.
type ProviderFactory func() (Provider, error)

// Retriever drives per-conversation media retrieval.
type Retriever struct {
	cfg         *config.Config
	logger      *slog.Logger
	newProvider ProviderFactory
	merger      ScreenMerger
}

// Option configures the retriever.
type Option func(*Retriever)

// WithProviderFactory overrides how provider clients are constructed.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(r *Retriever) {
		if factory != nil {
			r.newProvider = factory
		}
	}
}

// New constructs a retriever. The default provider factory builds a Genesys
// client from configuration.
func New(cfg *config.Config, logger *slog.Logger, merger ScreenMerger, opts ...Option) *Retriever {
	retriever := &Retriever{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "retriever"),
		merger: merger,
	}
	retriever.newProvider = func() (Provider, error) {
		return genesys.New(cfg.Genesys.ClientID, cfg.Genesys.ClientSecret, cfg.Genesys.Region)
	}
	for _, opt := range opts {
		opt(retriever)
	}
	return retriever
}

// Fetch produces the conversation's primary deliverable. The boolean reports
// whether a file was produced; false with a nil error means the conversation
// yielded nothing this attempt (not yet published, merge failed, or an error
// that was logged) and should stay unposted for the next cycle. The error
// return is reserved for context cancellation.
func (r *Retriever) Fetch(ctx context.Context, conversationID string, endedAt time.Time) (File, bool, error) {
	file, ok, err := r.fetch(ctx, conversationID, endedAt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return File{}, false, err
		}
		// Contained: log with identifiers and defer the conversation.
		r.logger.Error("retrieval failed",
			logging.String("conversation_id", conversationID),
			logging.Error(err),
		)
		return File{}, false, nil
	}
	return file, ok, nil
}

func (r *Retriever) fetch(ctx context.Context, conversationID string, endedAt time.Time) (File, bool, error) {
	provider, err := r.newProvider()
	if err != nil {
		return File{}, false, fmt.Errorf("build provider client: %w", err)
	}
	if err := provider.Login(ctx); err != nil {
		return File{}, false, fmt.Errorf("provider login: %w", err)
	}

	metadata, err := provider.RecordingMetadata(ctx, conversationID)
	if err != nil {
		return File{}, false, err
	}

	var result File
	var found bool
	for _, meta := range metadata {
		switch meta.Media {
		case genesys.MediaAudio:
		case genesys.MediaScreen:
			if !r.cfg.Genesys.ScreenRecordingEnabled {
				r.logger.Info("skipping screen recording, screen archiving disabled",
					logging.String("conversation_id", conversationID),
					logging.String("recording_id", meta.ID),
				)
				continue
			}
		default:
			r.logger.Info("skipping recording with unsupported media kind",
				logging.String("conversation_id", conversationID),
				logging.String("recording_id", meta.ID),
				logging.String("media", meta.Media),
			)
			continue
		}

		recording, err := provider.FetchRecordingWithRetry(ctx, conversationID, meta.ID)
		if err != nil {
			if errors.Is(err, genesys.ErrNotReady) {
				r.logger.Warn("recording not published yet, deferring conversation",
					logging.String("conversation_id", conversationID),
					logging.String("recording_id", meta.ID),
				)
				return File{}, false, nil
			}
			return File{}, false, err
		}

		switch recording.Media {
		case genesys.MediaScreen:
			if err := r.merger.Merge(ctx, provider, conversationID, meta.ID, endedAt, recording.OrderedURIs()); err != nil {
				r.logger.Warn("screen recording merge failed",
					logging.String("conversation_id", conversationID),
					logging.String("recording_id", meta.ID),
					logging.Error(err),
				)
				return File{}, false, nil
			}
			// The merger uploaded its own output; nothing to return here.
		default:
			file, err := r.downloadAudio(ctx, provider, conversationID, meta.ID, endedAt, recording)
			if err != nil {
				return File{}, false, err
			}
			result = file
			found = true
		}
	}

	if !found {
		return File{}, false, nil
	}
	return result, true, nil
}

func (r *Retriever) downloadAudio(ctx context.Context, provider Provider, conversationID, recordingID string, endedAt time.Time, recording *genesys.Recording) (File, error) {
	uris := recording.OrderedURIs()
	if len(uris) == 0 {
		return File{}, fmt.Errorf("audio recording %s/%s has no media uri", conversationID, recordingID)
	}
	uri := uris[0].URI

	name := fmt.Sprintf("%s_%s_%s%s", safeDate(endedAt), conversationID, recordingID, genesys.ExtensionFromURI(uri))
	path := filepath.Join(r.cfg.Paths.RecordingDir, name)

	if _, err := os.Stat(path); err == nil {
		// Replay within the same staging directory: keep the existing file.
		r.logger.Info("staged file already present, skipping download",
			logging.String("conversation_id", conversationID),
			logging.String("path", path),
		)
		return File{Path: path, Name: name}, nil
	}

	r.logger.Info("downloading audio recording",
		logging.String("conversation_id", conversationID),
		logging.String("recording_id", recordingID),
	)
	if err := provider.Download(ctx, uri, path); err != nil {
		return File{}, fmt.Errorf("download audio %s/%s: %w", conversationID, recordingID, err)
	}
	return File{Path: path, Name: name}, nil
}

func safeDate(t time.Time) string {
	if t.IsZero() {
		return "NoDate"
	}
	return t.UTC().Format("2006-01-02_15-04-05")
}
