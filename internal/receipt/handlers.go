package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
)

// maxUploadSize bounds multipart uploads; phone photos are large
const maxUploadSize = int64(50 << 20)

const helpText = `Receipt Ledger

Send the text of a receipt QR code, a photo of the receipt, or a ticket
file exported from the receipt checking app. Each receipt's purchases are
added once to the monthly ledger; sending the same receipt again reports
when it was imported.

POST /api/receipts/text   {"fingerprint": "t=...&s=...&fn=...&i=...&fp=...&n=..."}
POST /api/receipts/photo  multipart form, field "file"
POST /api/receipts/file   multipart form, field "file" (ticket JSON)
GET  /api/statuses        all import statuses
GET  /api/statuses/lookup?fingerprint=...
POST /api/recovery/sweep  retry unresolved receipts now
`

// importResponse is the JSON body returned for an import attempt
type importResponse struct {
	Outcome     OutcomeKind `json:"outcome"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Message     string      `json:"message"`
	URL         string      `json:"url,omitempty"`
	Rows        int         `json:"rows,omitempty"`
	Summary     []string    `json:"summary,omitempty"`
	Code        string      `json:"code,omitempty"`
}

func newImportResponse(o Outcome) importResponse {
	resp := importResponse{
		Outcome:     o.Kind,
		Fingerprint: o.Fingerprint,
		Message:     o.Message(),
		URL:         o.URL,
		Rows:        o.Rows,
		Summary:     o.Summary,
	}
	if o.Kind == OutcomeFailure {
		resp.Code = o.Code()
	}
	return resp
}

// statusCode maps an outcome onto an HTTP status
func statusCode(o Outcome) int {
	switch o.Kind {
	case OutcomeSuccess:
		return http.StatusCreated
	case OutcomeDuplicate:
		return http.StatusOK
	case OutcomeBusy:
		return http.StatusConflict
	}
	switch o.Code() {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUpstream, CodeSink:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeOutcome(w http.ResponseWriter, o Outcome) {
	writeJSON(w, statusCode(o), newImportResponse(o))
}

// handlePing is the liveness probe
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("pong"))
}

// handleHelp describes the accepted inputs
func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(helpText))
}

// handleImportText imports a receipt from its QR code text
func (s *Server) handleImportText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	writeOutcome(w, s.service.ImportFingerprint(r.Context(), req.Fingerprint))
}

// handleImportPhoto imports a receipt from a photo of its QR code
func (s *Server) handleImportPhoto(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}

	writeOutcome(w, s.service.ImportPhoto(r.Context(), data, contentType))
}

// handleImportFile imports an exported ticket file
func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	data, _, ok := readUpload(w, r)
	if !ok {
		return
	}

	writeOutcome(w, s.service.ImportFile(r.Context(), data))
}

// readUpload reads the "file" field of a multipart form, writing the error
// response itself when it fails
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return nil, "", false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return nil, "", false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return nil, "", false
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		case ".json":
			contentType = "application/json"
		default:
			contentType = "application/octet-stream"
		}
	}
	return data, strings.ToLower(strings.TrimSpace(contentType)), true
}

// handleGetStatus returns the status row of one fingerprint
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	fp, err := NormalizeFingerprint(r.URL.Query().Get("fingerprint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.service.GetStatus(fp)
	if errors.Is(err, ErrStatusNotFound) {
		writeError(w, http.StatusNotFound, "Status not found")
		return
	}
	if err != nil {
		slog.Error("Error getting status", "fingerprint", fp, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleListStatuses returns every status row
func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.service.ListStatuses()
	if err != nil {
		slog.Error("Error listing statuses", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Ensure we always return an array, not nil
	if statuses == nil {
		statuses = []*ReceiptStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// sweepResponse is the JSON body of an on-demand sweep
type sweepResponse struct {
	RunID    string           `json:"run_id"`
	Results  []importResponse `json:"results"`
	Deferred int              `json:"deferred"`
	Review   []string         `json:"review"`
	Report   string           `json:"report"`
}

// handleSweep runs the recovery sweep immediately
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.recovery.RunOnce(r.Context())
	if err != nil {
		slog.Error("Error running recovery sweep", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := sweepResponse{
		RunID:    report.RunID,
		Results:  make([]importResponse, 0, len(report.Results)),
		Deferred: report.Deferred,
		Review:   report.Review,
		Report:   report.Render(true),
	}
	if resp.Review == nil {
		resp.Review = []string{}
	}
	for _, o := range report.Results {
		resp.Results = append(resp.Results, newImportResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}
