package statement

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/statement-digitizer/internal/normalize"
	"github.com/zombor/statement-digitizer/internal/scanning"
)

// Stages reported in ImageError.
const (
	StageDecode  = "decode"
	StageBuild   = "build"
	StageExtract = "extract"
)

// ImageError is a failure scoped to one input image.
type ImageError struct {
	Index  int
	Source string
	Stage  string
	Err    error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %d (%s): %s: %v", e.Index+1, e.Source, e.Stage, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// Extractor performs the model call for one request.
type Extractor interface {
	Extract(ctx context.Context, req *scanning.Request) ([]scanning.Transaction, error)
}

// Config holds the per-run settings of a Pipeline.
type Config struct {
	Workers      int
	BatchTimeout time.Duration
	MaxDimension int
	Normalize    normalize.Options
	Schema       scanning.Schema
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchTimeout: 5 * time.Minute,
		MaxDimension: scanning.DefaultMaxDimension,
		Normalize:    normalize.DefaultOptions(),
		Schema:       scanning.StatementSchema,
	}
}

// Result is the outcome of a run that was not aborted.
type Result struct {
	Table  *Table
	Errors []*ImageError
}

// Pipeline drives images through normalization, request building and
// extraction, then aggregates the rows.
type Pipeline struct {
	cfg        Config
	normalizer *normalize.Normalizer
	builder    scanning.RequestBuilder
	extractor  Extractor
	logger     *slog.Logger
}

func NewPipeline(extractor Extractor, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if len(cfg.Schema.Fields) == 0 {
		cfg.Schema = scanning.StatementSchema
	}
	return &Pipeline{
		cfg:        cfg,
		normalizer: normalize.New(cfg.Normalize, logger),
		builder:    scanning.NewRequestBuilder(cfg.MaxDimension),
		extractor:  extractor,
		logger:     logger,
	}
}

// Run processes images concurrently and returns the table in input order
// together with the per-image errors. An authentication failure aborts the
// run and is returned as the error with no table; so is cancellation of ctx.
// Images left unprocessed when the batch timeout expires are reported as
// per-image errors.
func (p *Pipeline) Run(ctx context.Context, images []*normalize.RawImage) (*Result, error) {
	start := time.Now()

	batchCtx := ctx
	if p.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(p.cfg.Workers)

	images = withUniqueSources(images)
	results := make([]*ImageResult, len(images))
	failures := make([]*ImageError, len(images))

	for i, raw := range images {
		if gctx.Err() != nil {
			failures[i] = &ImageError{Index: raw.Index, Source: raw.Source, Stage: StageExtract, Err: gctx.Err()}
			continue
		}
		g.Go(func() error {
			res, ierr := p.process(gctx, raw)
			if ierr != nil {
				if scanning.IsFatal(ierr.Err) {
					return ierr
				}
				failures[i] = ierr
				return nil
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Error("Pipeline aborted", "error", err)
		return nil, fmt.Errorf("running pipeline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		p.logger.Warn("Pipeline cancelled", "error", err)
		return nil, fmt.Errorf("running pipeline: %w", err)
	}

	var collected []ImageResult
	for _, r := range results {
		if r != nil {
			collected = append(collected, *r)
		}
	}
	out := &Result{Table: Aggregate(collected)}
	for _, f := range failures {
		if f != nil {
			out.Errors = append(out.Errors, f)
		}
	}
	slices.SortStableFunc(out.Errors, func(a, b *ImageError) int { return a.Index - b.Index })

	p.logger.Info("Pipeline finished",
		"images", len(images),
		"rows", len(out.Table.Records),
		"warnings", len(out.Table.Warnings),
		"errors", len(out.Errors),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, raw *normalize.RawImage) (*ImageResult, *ImageError) {
	fail := func(stage string, err error) *ImageError {
		return &ImageError{Index: raw.Index, Source: raw.Source, Stage: stage, Err: err}
	}

	// A fatal error elsewhere or an expired deadline stops new calls.
	if err := ctx.Err(); err != nil {
		return nil, fail(StageExtract, err)
	}

	img := p.normalizer.Normalize(raw)
	req, err := p.builder.Build(img, p.cfg.Schema)
	if err != nil {
		return nil, fail(StageBuild, err)
	}

	rows, err := p.extractor.Extract(ctx, req)
	if err != nil {
		return nil, fail(StageExtract, err)
	}
	return &ImageResult{
		Index:         raw.Index,
		Source:        raw.Source,
		LowConfidence: img.LowConfidence(),
		Rows:          rows,
	}, nil
}

// Upload is an encoded image as received from a caller.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// RunUploads decodes uploads and runs the decodable ones. Decode failures
// are reported as per-image errors alongside the extraction errors.
func (p *Pipeline) RunUploads(ctx context.Context, uploads []Upload) (*Result, error) {
	var (
		images   []*normalize.RawImage
		decoding []*ImageError
	)
	sources := SourceNames(uploads)
	for i, u := range uploads {
		raw, err := normalize.Decode(i, sources[i], u.Data, u.ContentType)
		if err != nil {
			p.logger.Warn("Failed to decode upload", "name", u.Name, "error", err)
			decoding = append(decoding, &ImageError{Index: i, Source: sources[i], Stage: StageDecode, Err: err})
			continue
		}
		images = append(images, raw)
	}

	res, err := p.Run(ctx, images)
	if err != nil {
		return nil, err
	}
	if len(decoding) > 0 {
		res.Errors = append(res.Errors, decoding...)
		slices.SortStableFunc(res.Errors, func(a, b *ImageError) int { return a.Index - b.Index })
	}
	return res, nil
}

// SourceNames returns the source identifier of each upload, unique within
// the batch. Unnamed uploads become "upload-N" and a repeated name gets its
// 1-based position appended, as in "image.jpg (2)".
func SourceNames(uploads []Upload) []string {
	names := make([]string, len(uploads))
	for i, u := range uploads {
		names[i] = u.Name
	}
	return uniqueSources(names)
}

func uniqueSources(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if name == "" {
			name = fmt.Sprintf("upload-%d", i+1)
		}
		base := name
		for n := i + 1; seen[name]; n++ {
			name = fmt.Sprintf("%s (%d)", base, n)
		}
		seen[name] = true
		out[i] = name
	}
	return out
}

// withUniqueSources renames images whose source repeats an earlier one. The
// caller's images are not modified.
func withUniqueSources(images []*normalize.RawImage) []*normalize.RawImage {
	names := make([]string, len(images))
	for i, raw := range images {
		names[i] = raw.Source
	}
	out := slices.Clone(images)
	for i, name := range uniqueSources(names) {
		if name != out[i].Source {
			renamed := *out[i]
			renamed.Source = name
			out[i] = &renamed
		}
	}
	return out
}
