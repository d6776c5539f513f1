package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/session"
	"github.com/opd-ai/xferd/transfer"
)

// Deps are the collaborators the builtin commands act through.
type Deps struct {
	Files *file.Manager
	// Transfer is the template for handler options. OnFinish is chained
	// after the session bookkeeping.
	Transfer transfer.Options
	Clock    file.TimeProvider
}

// Builtins returns the standard command set.
func Builtins(deps Deps) []*Command {
	if deps.Clock == nil {
		deps.Clock = file.DefaultTimeProvider{}
	}
	return []*Command{
		{Name: "ECHO", Usage: "ECHO <text>", Run: echo},
		{Name: "TIME", Usage: "TIME", Run: timeNow(deps.Clock)},
		{Name: "CLOSE", Aliases: []string{"EXIT", "QUIT"}, Usage: "CLOSE", Run: closeSession},
		{Name: "UPLOAD", Usage: "UPLOAD <filename>", Run: upload(deps)},
		{Name: "DOWNLOAD", Usage: "DOWNLOAD <filename> [<known_bytes>]", Run: download(deps)},
		{Name: "HASH", Usage: "HASH <filename>", Run: hash(deps)},
	}
}

// NewDefaultRegistry returns a registry holding the builtin commands.
func NewDefaultRegistry(deps Deps, logger logrus.FieldLogger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, cmd := range Builtins(deps) {
		if err := r.Register(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func echo(_ context.Context, _ *session.Session, args []string) (string, error) {
	return strings.Join(args, " "), nil
}

// TimeLayout is ISO-8601 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func timeNow(clock file.TimeProvider) Func {
	return func(context.Context, *session.Session, []string) (string, error) {
		return clock.Now().UTC().Format(TimeLayout), nil
	}
}

func closeSession(_ context.Context, s *session.Session, _ []string) (string, error) {
	s.RequestClose()
	return "Goodbye", nil
}

func handlerOptions(deps Deps, s *session.Session) transfer.Options {
	opts := deps.Transfer
	opts.Logger = s.Logger()
	if opts.TimeProvider == nil {
		opts.TimeProvider = deps.Clock
	}
	next := deps.Transfer.OnFinish
	opts.OnFinish = func(h transfer.Handler, err error) {
		s.EndTransfer(h)
		if next != nil {
			next(h, err)
		}
	}
	return opts
}

func notFound(requested string, err error) error {
	switch {
	case errors.Is(err, file.ErrNotFound):
		return fmt.Errorf("File '%s' not found", requested)
	case errors.Is(err, file.ErrNotAFile):
		return fmt.Errorf("'%s' is not a file", requested)
	default:
		return err
	}
}

// upload marks the transfer active before it reads the resume offer, so the
// reaper cannot drop the checkpoint or the partial file behind the offer.
func upload(deps Deps) Func {
	return func(ctx context.Context, s *session.Session, args []string) (string, error) {
		if len(args) < 1 {
			return "Usage: UPLOAD <filename>", nil
		}
		name, err := file.SanitizeName(args[0])
		if err != nil {
			return "", err
		}
		path, err := deps.Files.ResolvePath(name)
		if err != nil {
			return "", err
		}

		h := transfer.NewUpload(s, deps.Files, name, path, 0, handlerOptions(deps, s))
		if err := s.BeginTransfer(h); err != nil {
			return "", err
		}
		if err := h.Start(ctx); err != nil {
			s.EndTransfer(h)
			return "", err
		}

		offset, err := deps.Files.UploadOffer(s.ClientAddr(), name)
		if err == nil {
			err = h.Offer(offset)
		}
		if err != nil {
			h.Interrupt()
			return "", notFound(args[0], err)
		}
		return fmt.Sprintf("READY %d", offset), nil
	}
}

// download picks the start offset: an explicit known byte count from the
// client wins, then a stored checkpoint, then zero.
func download(deps Deps) Func {
	return func(ctx context.Context, s *session.Session, args []string) (string, error) {
		if len(args) < 1 {
			return "Usage: DOWNLOAD <filename> [<known_bytes>]", nil
		}
		name, err := file.SanitizeName(args[0])
		if err != nil {
			return "", err
		}
		size, err := deps.Files.StatSize(name)
		if err != nil {
			return "", notFound(args[0], err)
		}
		path, err := deps.Files.ResolvePath(name)
		if err != nil {
			return "", err
		}

		var offset int64
		if len(args) >= 2 {
			known, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || known < 0 {
				return "", fmt.Errorf("Invalid known size '%s'", args[1])
			}
			if known > size {
				return "", fmt.Errorf("Offset %d exceeds file size %d", known, size)
			}
			offset = known
		} else if rec, ok := deps.Files.LookupResume(s.ClientAddr(), name, file.DirectionDownload); ok {
			if rec <= size {
				offset = rec
			} else {
				deps.Files.Clear(s.ClientAddr(), name)
			}
		}

		h := transfer.NewDownload(s, deps.Files, name, path, size, offset, handlerOptions(deps, s))
		if err := s.BeginTransfer(h); err != nil {
			return "", err
		}
		if err := h.Start(ctx); err != nil {
			s.EndTransfer(h)
			return "", err
		}
		return "", nil
	}
}

func hash(deps Deps) Func {
	return func(_ context.Context, _ *session.Session, args []string) (string, error) {
		if len(args) < 1 {
			return "Usage: HASH <filename>", nil
		}
		name, err := file.SanitizeName(args[0])
		if err != nil {
			return "", err
		}
		sum, err := deps.Files.Checksum(name)
		if err != nil {
			return "", notFound(args[0], err)
		}
		return fmt.Sprintf("%s %s %s", file.ChecksumAlgorithm, sum, name), nil
	}
}
