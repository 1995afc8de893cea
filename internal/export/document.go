package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Document is the hierarchical layout shared by the json and yaml backends:
// metadata, statistics, then episodes with their data points.
type Document struct {
	Metadata   model.DatasetMetadata `json:"metadata" yaml:"metadata"`
	Statistics Statistics            `json:"statistics" yaml:"statistics"`
	Episodes   []model.EpisodeRecord `json:"episodes" yaml:"episodes"`
}

// NewDocument wraps ds with freshly computed statistics.
func NewDocument(ds model.Dataset) Document {
	return Document{
		Metadata:   ds.Metadata,
		Statistics: ComputeStatistics(ds, DefaultHistogramBins),
		Episodes:   ds.Episodes,
	}
}

// DocumentBackend writes the entity model verbatim through an encoder.
type DocumentBackend struct {
	format    Format
	extension string
	encode    func(w io.Writer, doc Document) error
	decode    func(r io.Reader, doc *Document) error
}

// JSONBackend returns the indented JSON document backend.
func JSONBackend() DocumentBackend {
	return DocumentBackend{
		format:    FormatJSON,
		extension: "json",
		encode: func(w io.Writer, doc Document) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
		decode: func(r io.Reader, doc *Document) error {
			dec := json.NewDecoder(r)
			dec.DisallowUnknownFields()
			return dec.Decode(doc)
		},
	}
}

// YAMLBackend returns the YAML document backend.
func YAMLBackend() DocumentBackend {
	return DocumentBackend{
		format:    FormatYAML,
		extension: "yaml",
		encode: func(w io.Writer, doc Document) error {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return err
			}
			return enc.Close()
		},
		decode: func(r io.Reader, doc *Document) error {
			dec := yaml.NewDecoder(r)
			dec.KnownFields(true)
			return dec.Decode(doc)
		},
	}
}

func (b DocumentBackend) Format() Format    { return b.format }
func (b DocumentBackend) Extension() string { return b.extension }

// Write encodes ds with its statistics to path.
func (b DocumentBackend) Write(ctx context.Context, ds model.Dataset, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := b.encode(w, NewDocument(ds)); err != nil {
		f.Close()
		return fmt.Errorf("%s encode failed: %w", b.format, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// ReadDocument decodes the full document at path.
func (b DocumentBackend) ReadDocument(ctx context.Context, path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	var doc Document
	if err := b.decode(bufio.NewReader(f), &doc); err != nil {
		return Document{}, fmt.Errorf("%s decode failed: %w", b.format, err)
	}
	return doc, nil
}

// ReadDataset decodes the dataset at path.
func (b DocumentBackend) ReadDataset(ctx context.Context, path string) (model.Dataset, error) {
	doc, err := b.ReadDocument(ctx, path)
	if err != nil {
		return model.Dataset{}, err
	}
	return model.Dataset{Metadata: doc.Metadata, Episodes: doc.Episodes}, nil
}

// Read decodes the dataset at path and derives its numeric view.
func (b DocumentBackend) Read(ctx context.Context, path string) ([]EpisodeArrays, error) {
	ds, err := b.ReadDataset(ctx, path)
	if err != nil {
		return nil, err
	}
	return ArraysFromDataset(ds), nil
}
