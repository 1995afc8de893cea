// Package export writes datasets to disk in interchangeable formats and
// reads them back for verification.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/constellation-rlhf/internal/logging"
	"github.com/signalsfoundry/constellation-rlhf/model"
)

const tracerName = "github.com/signalsfoundry/constellation-rlhf/internal/export"

// Format names a registered backend.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHDB  Format = "hdb"
	FormatNPZ  Format = "npz"
)

// ErrUnknownFormat is returned for formats with no registered backend.
var ErrUnknownFormat = errors.New("unknown export format")

// Backend serializes one format. Write receives the path of a fresh empty
// file that is renamed into place only when Write succeeds.
type Backend interface {
	Format() Format
	Extension() string
	Write(ctx context.Context, ds model.Dataset, path string) error
	Read(ctx context.Context, path string) ([]EpisodeArrays, error)
}

// DatasetReader is implemented by backends that store the full entity model.
type DatasetReader interface {
	ReadDataset(ctx context.Context, path string) (model.Dataset, error)
}

// Publisher copies a finished local export to a remote destination.
type Publisher interface {
	Publish(ctx context.Context, localPath, dest string) error
}

// MetricsRecorder observes export calls.
type MetricsRecorder interface {
	ObserveExport(format string, d time.Duration, err error)
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithLogger sets the exporter logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Exporter) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records export results and latency.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Exporter) { e.metrics = m }
}

// WithPublisher enables s3:// destinations.
func WithPublisher(p Publisher) Option {
	return func(e *Exporter) { e.publisher = p }
}

// WithBackend registers an additional backend, replacing any backend with
// the same format.
func WithBackend(b Backend) Option {
	return func(e *Exporter) { e.backends[b.Format()] = b }
}

// Exporter dispatches datasets to the registered backends.
type Exporter struct {
	backends  map[Format]Backend
	log       logging.Logger
	metrics   MetricsRecorder
	publisher Publisher
}

// NewExporter returns an exporter with the json, yaml, hdb and npz backends.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		backends: map[Format]Backend{
			FormatJSON: JSONBackend(),
			FormatYAML: YAMLBackend(),
			FormatHDB:  HDBBackend{},
			FormatNPZ:  NPZBackend{},
		},
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Formats lists the registered formats in name order.
func (e *Exporter) Formats() []Format {
	out := make([]Format, 0, len(e.backends))
	for f := range e.backends {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Backend returns the backend registered for f.
func (e *Exporter) Backend(f Format) (Backend, bool) {
	b, ok := e.backends[f]
	return b, ok
}

// ParseFormats parses a comma separated format list.
func (e *Exporter) ParseFormats(list string) ([]Format, error) {
	var out []Format
	for _, raw := range strings.Split(list, ",") {
		name := Format(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			continue
		}
		if _, ok := e.backends[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
		}
		out = append(out, name)
	}
	return out, nil
}

// Path returns the default file path for format f inside dir.
func (e *Exporter) Path(dir, base string, f Format) string {
	ext := string(f)
	if b, ok := e.backends[f]; ok {
		ext = b.Extension()
	}
	if IsS3(dir) {
		return strings.TrimSuffix(dir, "/") + "/" + base + "." + ext
	}
	return filepath.Join(dir, base+"."+ext)
}

// Export writes ds in format to dest, which is a file path or an
// s3://bucket/key URI. On failure nothing is left at dest and the error is an
// *model.ExportError; ds is never modified.
func (e *Exporter) Export(ctx context.Context, ds model.Dataset, format Format, dest string) (err error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "export.dataset", trace.WithAttributes(
		attribute.String("export.format", string(format)),
		attribute.String("export.destination", dest),
		attribute.Int("export.episodes", len(ds.Episodes)),
	))
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveExport(string(format), time.Since(start), err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.Error(ctx, "export failed",
				logging.String("format", string(format)),
				logging.String("destination", dest),
				logging.Err(err),
			)
		}
		span.End()
	}()

	fail := func(cause error) error {
		return &model.ExportError{Format: string(format), Destination: dest, Err: cause}
	}

	b, ok := e.backends[format]
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownFormat, format))
	}

	if IsS3(dest) {
		if e.publisher == nil {
			return fail(errors.New("no publisher configured for s3 destinations"))
		}
		dir, err := os.MkdirTemp("", "rlhf-export-*")
		if err != nil {
			return fail(fmt.Errorf("create staging dir: %w", err))
		}
		defer os.RemoveAll(dir)
		local := filepath.Join(dir, "dataset."+b.Extension())
		if err := writeAtomic(ctx, local, func(tmp string) error { return b.Write(ctx, ds, tmp) }); err != nil {
			return fail(err)
		}
		if err := e.publisher.Publish(ctx, local, dest); err != nil {
			return fail(err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fail(fmt.Errorf("create destination dir: %w", err))
		}
		if err := writeAtomic(ctx, dest, func(tmp string) error { return b.Write(ctx, ds, tmp) }); err != nil {
			return fail(err)
		}
	}

	e.log.Info(ctx, "dataset exported",
		logging.String("format", string(format)),
		logging.String("destination", dest),
		logging.Int("episodes", len(ds.Episodes)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Read loads the numeric view of an export written in format.
func (e *Exporter) Read(ctx context.Context, format Format, path string) ([]EpisodeArrays, error) {
	b, ok := e.backends[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	out, err := b.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s export %s: %w", format, path, err)
	}
	return out, nil
}

// ReadDataset loads the full dataset from a document format export.
func (e *Exporter) ReadDataset(ctx context.Context, format Format, path string) (model.Dataset, error) {
	b, ok := e.backends[format]
	if !ok {
		return model.Dataset{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	r, ok := b.(DatasetReader)
	if !ok {
		return model.Dataset{}, fmt.Errorf("format %s does not store the full dataset", format)
	}
	return r.ReadDataset(ctx, path)
}

// writeAtomic runs write against a temp file next to dest and renames it
// into place on success. The temp file and any sidecar files are removed on
// failure.
func writeAtomic(ctx context.Context, dest string, write func(tmp string) error) error {
	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		removeTemp(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := write(tmp); err != nil {
		removeTemp(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		removeTemp(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		removeTemp(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func removeTemp(tmp string) {
	for _, p := range []string{tmp, tmp + "-journal", tmp + "-wal", tmp + "-shm"} {
		_ = os.Remove(p)
	}
}
