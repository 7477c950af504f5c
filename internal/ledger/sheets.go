package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// Sheets implements Sink on Google Sheets, locating monthly documents by
// title inside a Drive folder
type Sheets struct {
	sheets   *sheets.Service
	drive    *drive.Service
	folderID string
	schema   Schema
}

// NewSheets creates the Sheets and Drive clients with the same options
func NewSheets(ctx context.Context, folderID string, schema Schema, opts ...option.ClientOption) (*Sheets, error) {
	sheetsSvc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}

	return &Sheets{
		sheets:   sheetsSvc,
		drive:    driveSvc,
		folderID: folderID,
		schema:   schema,
	}, nil
}

func quoteQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// Open looks the month's document up by title
func (s *Sheets) Open(ctx context.Context, monthKey string) (*Handle, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", quoteQuery(monthKey), spreadsheetMimeType)
	if s.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", quoteQuery(s.folderID))
	}

	res, err := s.drive.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing drive files: %w", err)
	}
	if len(res.Files) == 0 {
		return nil, ErrNotFound
	}

	doc, err := s.sheets.Spreadsheets.Get(res.Files[0].Id).
		Fields("spreadsheetId", "spreadsheetUrl", "sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("getting spreadsheet: %w", err)
	}

	titles := make([]string, 0, len(doc.Sheets))
	for _, sh := range doc.Sheets {
		if sh.Properties != nil {
			titles = append(titles, sh.Properties.Title)
		}
	}
	if missing := s.schema.missing(titles); len(missing) > 0 {
		slog.Warn("Ledger is missing worksheets, applying schema", "ledger", monthKey, "missing", len(missing))
		if err := s.addSheets(ctx, doc.SpreadsheetId, missing); err != nil {
			return nil, err
		}
	}

	return &Handle{ID: doc.SpreadsheetId, Title: monthKey, URL: doc.SpreadsheetUrl}, nil
}

// CreateFromSchema creates the month's document with every schema sheet and
// its header row, then files it in the ledger folder
func (s *Sheets) CreateFromSchema(ctx context.Context, monthKey string) (*Handle, error) {
	doc := &sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: monthKey},
	}
	for _, ws := range s.schema.Sheets {
		doc.Sheets = append(doc.Sheets, &sheets.Sheet{
			Properties: &sheets.SheetProperties{Title: ws.Title},
		})
	}

	created, err := s.sheets.Spreadsheets.Create(doc).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("creating spreadsheet: %w", err)
	}

	if err := s.writeHeaders(ctx, created.SpreadsheetId, s.schema.Sheets); err != nil {
		return nil, err
	}

	if s.folderID != "" {
		_, err := s.drive.Files.Update(created.SpreadsheetId, &drive.File{}).
			AddParents(s.folderID).
			Fields("id").
			Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("moving spreadsheet to folder: %w", err)
		}
	}

	slog.Info("Created ledger", "ledger", monthKey, "id", created.SpreadsheetId)
	return &Handle{ID: created.SpreadsheetId, Title: monthKey, URL: created.SpreadsheetUrl}, nil
}

// AppendRows appends below the last row of the data sheet in one call
func (s *Sheets) AppendRows(ctx context.Context, h *Handle, rows [][]interface{}) (string, error) {
	if len(rows) == 0 {
		return h.URL, nil
	}

	_, err := s.sheets.Spreadsheets.Values.Append(h.ID, DataSheet+"!A1", &sheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("appending rows: %w", err)
	}

	return h.URL, nil
}

func (s *Sheets) addSheets(ctx context.Context, id string, worksheets []Worksheet) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{}
	for _, ws := range worksheets {
		req.Requests = append(req.Requests, &sheets.Request{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: ws.Title},
			},
		})
	}
	if _, err := s.sheets.Spreadsheets.BatchUpdate(id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("adding worksheets: %w", err)
	}
	return s.writeHeaders(ctx, id, worksheets)
}

func (s *Sheets) writeHeaders(ctx context.Context, id string, worksheets []Worksheet) error {
	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW"}
	for _, ws := range worksheets {
		if len(ws.Header) == 0 {
			continue
		}
		header := make([]interface{}, len(ws.Header))
		for i, col := range ws.Header {
			header[i] = col
		}
		req.Data = append(req.Data, &sheets.ValueRange{
			Range:  ws.Title + "!A1",
			Values: [][]interface{}{header},
		})
	}
	if len(req.Data) == 0 {
		return nil
	}
	if _, err := s.sheets.Spreadsheets.Values.BatchUpdate(id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("writing headers: %w", err)
	}
	return nil
}
