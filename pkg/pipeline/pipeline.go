// Package pipeline runs a dump tool and streams its output through gzip into
// an object store upload.
//
// Stages run concurrently and are joined by an io.Pipe, so a slow upload
// blocks the compressor, which blocks reads from the dump tool's stdout. A
// failure in any stage tears the others down: a failed upload kills the dump
// process group, and a failed dump closes the pipe with an error so the store
// discards the object instead of committing it.
package pipeline

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/dbsavr/pkg/database"
	"github.com/supporttools/dbsavr/pkg/errdefs"
	"github.com/supporttools/dbsavr/pkg/storage"
)

const (
	defaultBufferSize  = 64 << 10
	defaultStderrLimit = 64 << 10
	defaultKillGrace   = 10 * time.Second
)

// Config tunes the pipeline.
type Config struct {
	// CompressionLevel is a gzip level from 1 to 9; 0 selects the default.
	CompressionLevel int
	BufferSize       int
	// TempDir is the parent of per-run work directories; empty uses os.TempDir.
	TempDir string
	// StderrLimit bounds how much trailing dump tool output is kept for errors.
	StderrLimit int
	// KillGrace bounds how long Wait blocks on inherited pipes after the
	// process group has been killed.
	KillGrace time.Duration
}

// Request describes one backup run.
type Request struct {
	Strategy  database.Strategy
	Store     storage.ObjectStore
	Key       string
	Timestamp time.Time
}

// Outcome is the result of a successful run.
type Outcome struct {
	Key      string
	Size     int64
	Duration time.Duration
}

// Pipeline executes requests. It holds no per-run state and is safe for
// concurrent use.
type Pipeline struct {
	cfg    Config
	logger logrus.FieldLogger
}

// New returns a pipeline with defaults applied to cfg.
func New(cfg Config, logger logrus.FieldLogger) *Pipeline {
	if cfg.CompressionLevel < gzip.BestSpeed || cfg.CompressionLevel > gzip.BestCompression {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = defaultStderrLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// Run dumps, compresses and uploads. On error no object exists under req.Key.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()

	workDir, err := os.MkdirTemp(p.cfg.TempDir, "dbsavr-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create work directory")
	}
	defer os.RemoveAll(workDir)

	dump, err := req.Strategy.Command(database.Invocation{WorkDir: workDir, Timestamp: req.Timestamp})
	if err != nil {
		return nil, err
	}
	for _, f := range dump.Files {
		if err := os.WriteFile(f.Path, f.Content, 0o600); err != nil {
			return nil, errors.Wrapf(err, "failed to write %s", f.Path)
		}
	}

	logger := p.logger.WithFields(logrus.Fields{
		"key":    req.Key,
		"tool":   dump.Tool(),
		"format": req.Strategy.Format().String(),
	})
	logger.WithField("command", dump.String()).Debug("Starting dump")

	var size int64
	if req.Strategy.Format() == database.FormatDirectory {
		size, err = p.runDirectory(ctx, dump, req)
	} else {
		size, err = p.runStream(ctx, dump, req)
	}
	if err != nil {
		logger.WithError(err).Debug("Pipeline failed")
		return nil, err
	}

	outcome := &Outcome{Key: req.Key, Size: size, Duration: time.Since(start)}
	logger.WithFields(logrus.Fields{"bytes": size, "duration": outcome.Duration}).Debug("Pipeline finished")
	return outcome, nil
}

func (p *Pipeline) command(ctx context.Context, dump database.Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, dump.Path, dump.Args...)
	cmd.Env = append(os.Environ(), dump.Env...)
	cmd.WaitDelay = p.cfg.KillGrace
	setProcessGroup(cmd)
	return cmd
}

// runStream handles tools that write the dump to stdout.
func (p *Pipeline) runStream(ctx context.Context, dump database.Command, req Request) (int64, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := p.command(runCtx, dump)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "failed to open dump output")
	}
	stderr := newTailBuffer(p.cfg.StderrLimit)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return 0, newDumpError(dump.Tool(), err, "")
	}

	pr, pw := io.Pipe()
	sink := &pipeSink{PipeWriter: pw}
	var (
		dumpErr    error
		produceErr error
		uploadErr  error
		size       int64
		g          errgroup.Group
	)

	g.Go(func() error {
		gz, err := gzip.NewWriterLevel(sink, p.cfg.CompressionLevel)
		if err == nil {
			_, err = io.CopyBuffer(gz, stdout, make([]byte, p.cfg.BufferSize))
		}
		if err != nil {
			cancel()
		}
		waitErr := cmd.Wait()

		switch {
		case waitErr != nil && runCtx.Err() == nil:
			dumpErr = newDumpError(dump.Tool(), waitErr, stderr.String())
			pw.CloseWithError(dumpErr)
			return dumpErr
		case err != nil:
			produceErr = err
		case waitErr != nil:
			produceErr = runCtx.Err()
		default:
			produceErr = gz.Close()
		}
		if produceErr != nil {
			pw.CloseWithError(produceErr)
			return produceErr
		}
		return pw.Close()
	})

	g.Go(func() error {
		size, uploadErr = p.upload(runCtx, cancel, req, pr)
		return uploadErr
	})

	_ = g.Wait()
	if dumpErr != nil {
		return 0, dumpErr
	}
	if err := p.classify(ctx, req.Key, produceErr, sink.rejected, uploadErr, "failed to compress dump output"); err != nil {
		return 0, err
	}
	return size, nil
}

// runDirectory handles tools that write a directory tree. The tool runs to
// completion first; the tree is then archived, compressed and uploaded as one
// stream.
func (p *Pipeline) runDirectory(ctx context.Context, dump database.Command, req Request) (int64, error) {
	if dump.OutputDir == "" {
		return 0, errors.Errorf("%s did not declare an output directory", dump.Tool())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := p.command(runCtx, dump)
	output := newTailBuffer(p.cfg.StderrLimit)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, errors.Wrap(ctx.Err(), "backup interrupted")
		}
		return 0, newDumpError(dump.Tool(), err, output.String())
	}

	pr, pw := io.Pipe()
	sink := &pipeSink{PipeWriter: pw}
	var (
		archiveErr error
		uploadErr  error
		size       int64
		g          errgroup.Group
	)

	g.Go(func() error {
		archiveErr = writeArchive(runCtx, sink, dump.OutputDir, p.cfg.CompressionLevel, p.cfg.BufferSize)
		if archiveErr != nil {
			pw.CloseWithError(archiveErr)
			return archiveErr
		}
		return pw.Close()
	})

	g.Go(func() error {
		size, uploadErr = p.upload(runCtx, cancel, req, pr)
		return uploadErr
	})

	_ = g.Wait()
	if err := p.classify(ctx, req.Key, archiveErr, sink.rejected, uploadErr, "failed to archive dump output"); err != nil {
		return 0, err
	}
	return size, nil
}

func (p *Pipeline) upload(ctx context.Context, cancel context.CancelFunc, req Request, pr *io.PipeReader) (int64, error) {
	n, err := req.Store.Put(ctx, req.Key, pr)
	if err != nil {
		pr.CloseWithError(err)
		cancel()
		return 0, err
	}
	// A store that returns before EOF must not leave the producer blocked.
	pr.Close()
	return n, nil
}

// classify picks the error to report once every stage has stopped. A
// producer failure caused by the upload side, either by rejecting writes or
// by cancelling the run, is reported as the upload failure.
func (p *Pipeline) classify(ctx context.Context, key string, produceErr error, rejected bool, uploadErr error, produceMsg string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "backup interrupted")
	}
	external := rejected || errors.Is(produceErr, context.Canceled)
	if produceErr != nil && !external {
		return errors.Wrap(produceErr, produceMsg)
	}
	if uploadErr != nil {
		var transportErr *errdefs.TransportError
		if errors.As(uploadErr, &transportErr) {
			return uploadErr
		}
		return &errdefs.TransportError{Op: "upload", Key: key, Err: uploadErr}
	}
	if produceErr != nil {
		return errors.Wrap(produceErr, produceMsg)
	}
	return nil
}

func newDumpError(tool string, err error, stderr string) *errdefs.DumpError {
	dumpErr := &errdefs.DumpError{Tool: tool, ExitCode: -1, Stderr: stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		dumpErr.ExitCode = exitErr.ExitCode()
	}
	return dumpErr
}

// pipeSink records whether the reading side refused a write.
type pipeSink struct {
	*io.PipeWriter
	rejected bool
}

func (s *pipeSink) Write(b []byte) (int, error) {
	n, err := s.PipeWriter.Write(b)
	if err != nil {
		s.rejected = true
	}
	return n, err
}
