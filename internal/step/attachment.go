package step

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/checksum"
	"github.com/iambrandonn/runjoin/internal/fsutil"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// ErrAttachmentRead is recorded when an attachment cannot be loaded. The
// log it belonged to is still emitted, without the file.
var ErrAttachmentRead = errors.New("attachment read failed")

// failureMessage is the error log message when no error is available
const failureMessage = "Test has failed without exception"

// logTime never precedes the step it belongs to
func (r *Reporter) logTime(step Started) time.Time {
	now := r.now()
	if now.Before(step.StartTime) {
		return step.StartTime
	}
	return now
}

// errorLog builds an action emitting an ERROR log for err, with the file
// at path attached when path is set
func (r *Reporter) errorLog(err error, path string) Action {
	return func(ctx context.Context, step Started) {
		message := failureMessage
		if err != nil {
			message = err.Error()
		}
		rq := &protocol.SaveLogRequest{
			Message: message,
			Level:   protocol.LogLevelError,
			LogTime: r.logTime(step),
		}
		if path != "" {
			rq.File = r.attachment(path)
		}
		r.launch.EmitLog(ctx, step.Item, rq)
	}
}

// fileLog builds an action emitting an INFO log named after the file
func (r *Reporter) fileLog(path string) Action {
	return func(ctx context.Context, step Started) {
		r.launch.EmitLog(ctx, step.Item, &protocol.SaveLogRequest{
			Message: filepath.Base(path),
			Level:   protocol.LogLevelInfo,
			LogTime: r.logTime(step),
			File:    r.attachment(path),
		})
	}
}

// attachment loads the file at path. Failures are logged and counted and
// yield nil.
func (r *Reporter) attachment(path string) *protocol.File {
	file, err := r.loadAttachment(path)
	if err != nil {
		r.attachmentFailures.Add(1)
		r.logger.Error("unable to read file attachment", "path", path, "error", err)
		return nil
	}
	return file
}

func (r *Reporter) loadAttachment(path string) (*protocol.File, error) {
	content, err := fsutil.ReadLimited(path, r.opts.AttachmentMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentRead, err)
	}
	return &protocol.File{
		Name:        uuid.NewString(),
		ContentType: mimetype.Detect(content).String(),
		Size:        int64(len(content)),
		Digest:      checksum.SHA256Bytes(content),
		Content:     content,
	}, nil
}
