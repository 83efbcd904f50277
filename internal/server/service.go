package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/zombor/statement-digitizer/internal/ledger"
	"github.com/zombor/statement-digitizer/internal/scanning"
	"github.com/zombor/statement-digitizer/internal/statement"
)

// Runner extracts a table from uploads.
type Runner interface {
	RunUploads(ctx context.Context, uploads []statement.Upload) (*statement.Result, error)
}

// Ledger is the persistent transaction store behind the review pages.
type Ledger interface {
	Save(table *statement.Table) (int, error)
	Entries(uncategorizedOnly bool) ([]*ledger.Entry, error)
	SetCategory(id, category string) (*ledger.Entry, error)
	SetCategories(changes map[string]string) (int, error)
	AutoCategorize() (int, error)
	Categories() ([]string, error)
	AddCategory(name string) error
	DeleteCategory(name string) error
	Rules() ([]*ledger.Rule, error)
	AddRule(keyword, category string) (*ledger.Rule, error)
	DeleteRule(id string) error
	Summary() (*ledger.Summary, error)
}

// IDGenerator generates run IDs
type IDGenerator interface {
	Generate() string
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// ImageFailure is the JSON view of a per-image error.
type ImageFailure struct {
	Index   int    `json:"index"`
	Source  string `json:"source"`
	Stage   string `json:"stage"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Extraction is the outcome of one upload batch.
type Extraction struct {
	RunID   string            `json:"run_id"`
	Table   *statement.Table  `json:"table"`
	Errors  []ImageFailure    `json:"errors"`
	Uploads map[string]string `json:"uploads"`
	Total   string            `json:"total"`
	Saved   int               `json:"saved"`
}

// Service archives uploads, runs extraction and optionally files the result
// in the ledger.
type Service struct {
	runner      Runner
	ledger      Ledger
	storage     Storage
	idGenerator IDGenerator
}

// NewService creates a new Service with the default ID generator
func NewService(runner Runner, ledger Ledger, storage Storage) *Service {
	return NewServiceWithDeps(runner, ledger, storage, &defaultIDGenerator{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(runner Runner, ledger Ledger, storage Storage, idGen IDGenerator) *Service {
	return &Service{
		runner:      runner,
		ledger:      ledger,
		storage:     storage,
		idGenerator: idGen,
	}
}

// Extract archives the uploads, runs them and, when save is set, stores the
// valid rows. A refused credential or a cancelled request is returned as an
// error; every other failure is reported per image.
func (s *Service) Extract(ctx context.Context, uploads []statement.Upload, save bool) (*Extraction, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}

	runID := s.idGenerator.Generate()
	// Keyed by the same source names the table rows carry.
	sources := statement.SourceNames(uploads)
	archived := make(map[string]string, len(uploads))
	for i, u := range uploads {
		name := fmt.Sprintf("%s_%d_%s", runID, i+1, sanitizeFilename(u.Name))
		saved, err := s.storage.Save(name, u.Data)
		if err != nil {
			// The archive is for review only; extraction goes ahead without it.
			slog.Warn("Failed to archive upload", "name", u.Name, "error", err)
			continue
		}
		archived[sources[i]] = saved
	}

	result, err := s.runner.RunUploads(ctx, uploads)
	if err != nil {
		// No table refers to these originals.
		s.discard(archived)
		return nil, err
	}

	out := &Extraction{
		RunID:   runID,
		Table:   result.Table,
		Errors:  make([]ImageFailure, 0, len(result.Errors)),
		Uploads: archived,
		Total:   scanning.FormatAmount(result.Table.Total()),
	}
	for _, e := range result.Errors {
		f := ImageFailure{Index: e.Index, Source: e.Source, Stage: e.Stage, Message: e.Err.Error()}
		if k := scanning.KindOf(e.Err); k != 0 {
			f.Kind = k.String()
		}
		out.Errors = append(out.Errors, f)
	}

	if save {
		n, err := s.ledger.Save(result.Table)
		if err != nil {
			return nil, fmt.Errorf("saving transactions: %w", err)
		}
		out.Saved = n
	}
	return out, nil
}

func (s *Service) discard(archived map[string]string) {
	for _, name := range archived {
		if err := s.storage.Delete(name); err != nil {
			slog.Warn("Failed to remove archived upload", "name", name, "error", err)
		}
	}
}

// Upload returns an archived original
func (s *Service) Upload(name string) ([]byte, error) {
	data, err := s.storage.Get(name)
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return data, nil
}
