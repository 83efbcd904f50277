package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/statement-digitizer/internal/ledger"
	"github.com/zombor/statement-digitizer/internal/logger"
	"github.com/zombor/statement-digitizer/internal/scanning"
	"github.com/zombor/statement-digitizer/internal/statement"
)

// maxUploadSize covers a handful of high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// corsError writes a JSON error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// ledgerError maps ledger sentinels onto status codes
func ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		corsError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrExists):
		corsError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrProtectedCategory):
		corsError(w, err.Error(), http.StatusForbidden)
	default:
		logger.FromContext(r.Context()).Error("Ledger operation failed", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticJS serves the front-end script
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// contentTypeFor falls back to the file extension when the browser sent none
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleExtract runs the uploaded statement pages through the pipeline
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	if err := r.ParseMultipartForm(s.uploadLimit); err != nil {
		log.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			corsError(w, fmt.Sprintf("Upload is too large. Maximum size is %dMB. Please compress or resize your images.", s.uploadLimit>>20), http.StatusRequestEntityTooLarge)
			return
		}
		corsError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		corsError(w, "No file was selected. Please choose at least one image to upload.", http.StatusBadRequest)
		return
	}

	uploads := make([]statement.Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			log.Error("Error opening upload", "filename", h.Filename, "error", err)
			corsError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			log.Error("Error reading upload", "filename", h.Filename, "error", err)
			corsError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		uploads = append(uploads, statement.Upload{
			Name:        h.Filename,
			ContentType: contentTypeFor(h.Header.Get("Content-Type"), h.Filename),
			Data:        data,
		})
	}

	format := strings.ToLower(r.FormValue("format"))
	save := r.FormValue("save") == "true"

	result, err := s.service.Extract(r.Context(), uploads, save)
	switch {
	case err == nil:
	case scanning.IsFatal(err):
		log.Error("Extraction aborted", "error", err)
		corsError(w, err.Error(), http.StatusBadGateway)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("Extraction cancelled", "error", err)
		corsError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		log.Error("Extraction failed", "error", err)
		corsError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Run-ID", result.RunID)
	w.Header().Set("X-Image-Errors", fmt.Sprint(len(result.Errors)))
	s.writeTable(w, r, format, "statement-"+result.RunID, result.Table, result)
}

// writeTable renders a table as csv, xlsx or, by default, JSON
func (s *Server) writeTable(w http.ResponseWriter, r *http.Request, format, basename string, table *statement.Table, jsonBody any) {
	var (
		buf         bytes.Buffer
		err         error
		contentType string
	)
	switch format {
	case "csv":
		err = statement.WriteCSV(&buf, table)
		contentType = "text/csv; charset=utf-8"
	case "xlsx":
		err = statement.WriteXLSX(&buf, table)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "", "json":
		writeJSON(w, http.StatusOK, jsonBody)
		return
	default:
		corsError(w, fmt.Sprintf("Unknown format %q. Use json, csv or xlsx.", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("Error writing export", "format", format, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, basename, format))
	w.Write(buf.Bytes())
}

// handleGetUpload returns an archived original
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.Upload(r.PathValue("name"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// handleListTransactions returns saved transactions
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.Entries(r.URL.Query().Get("filter") == "uncategorized")
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleExportTransactions downloads the saved transactions
func (s *Server) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.Entries(false)
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	table := &statement.Table{}
	for _, e := range entries {
		table.Records = append(table.Records, statement.Record{
			Source:         e.Source,
			Ref:            e.Ref,
			Date:           e.Date,
			Description:    e.Description,
			Amount:         e.Amount,
			RunningBalance: e.RunningBalance,
			Valid:          true,
		})
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	s.writeTable(w, r, format, "transactions", table, entries)
}

// handleExportTable renders a table the client already holds, so a download
// matches the rows on screen without another extraction.
func (s *Server) handleExportTable(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format != "csv" && format != "xlsx" {
		corsError(w, fmt.Sprintf("Unknown format %q. Use csv or xlsx.", format), http.StatusBadRequest)
		return
	}

	var table statement.Table
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	if err := json.NewDecoder(r.Body).Decode(&table); err != nil {
		corsError(w, "Invalid request body. Expected a table with records.", http.StatusBadRequest)
		return
	}
	s.writeTable(w, r, format, "statement", &table, nil)
}

// handleSetCategory changes the category of one transaction
func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Category == "" {
		corsError(w, "Invalid request body. Expected {\"category\": \"...\"}", http.StatusBadRequest)
		return
	}
	entry, err := s.ledger.SetCategory(r.PathValue("id"), req.Category)
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleCategorize applies explicit changes, or runs auto-categorization
// when none are given
func (s *Server) handleCategorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Changes map[string]string `json:"changes"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			corsError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	var (
		n   int
		err error
	)
	if len(req.Changes) > 0 {
		n, err = s.ledger.SetCategories(req.Changes)
	} else {
		n, err = s.ledger.AutoCategorize()
	}
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// handleSummary returns ledger totals
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.ledger.Summary()
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleListCategories returns all categories
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.ledger.Categories()
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

// handleAddCategory creates a category
func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		corsError(w, "Invalid request body. Expected {\"name\": \"...\"}", http.StatusBadRequest)
		return
	}
	if err := s.ledger.AddCategory(req.Name); err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": strings.TrimSpace(req.Name)})
}

// handleDeleteCategory removes a category
func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteCategory(r.PathValue("name")); err != nil {
		ledgerError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListRules returns all rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.ledger.Rules()
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleAddRule creates a keyword rule
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword  string `json:"keyword"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Keyword == "" || req.Category == "" {
		corsError(w, "Invalid request body. Expected {\"keyword\": \"...\", \"category\": \"...\"}", http.StatusBadRequest)
		return
	}
	rule, err := s.ledger.AddRule(req.Keyword, req.Category)
	if err != nil {
		ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// handleDeleteRule removes a rule
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteRule(r.PathValue("id")); err != nil {
		ledgerError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
