// Package sheets reads handover rows from a spreadsheet and writes the
// archive: appending rows, colouring status cells and deleting dispatched
// rows, each as a single batched API call.
package sheets

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/retry"
)

// Service is the part of the Sheets API the Workbook uses.
type Service interface {
	GetMetadata(ctx context.Context, spreadsheetID string) (*sheets.Spreadsheet, error)
	GetValues(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error)
	// AppendValues appends rows after the table found in a1Range and
	// returns the A1 range that was written.
	AppendValues(ctx context.Context, spreadsheetID, a1Range string, rows [][]string) (string, error)
	BatchUpdate(ctx context.Context, spreadsheetID string, requests []*sheets.Request) error
}

// Client implements Service on the Sheets API v4.
//
// Reads retry on any transient failure. Appends and batch updates are not
// idempotent and retry only when the request was refused (429, 503).
type Client struct {
	svc      *sheets.Service
	settings google.Settings
}

// NewClient creates a Sheets client. Authentication comes from opts.
func NewClient(ctx context.Context, settings google.Settings, opts ...option.ClientOption) (*Client, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}
	return &Client{svc: svc, settings: settings}, nil
}

func (c *Client) GetMetadata(ctx context.Context, spreadsheetID string) (*sheets.Spreadsheet, error) {
	return google.Call(ctx, c.settings, instrumentation.ServiceSheets, instrumentation.OperationGetMetadata, nil,
		func(ctx context.Context) (*sheets.Spreadsheet, error) {
			return c.svc.Spreadsheets.Get(spreadsheetID).
				Fields("spreadsheetId,sheets.properties(sheetId,title)").
				Context(ctx).
				Do()
		})
}

func (c *Client) GetValues(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error) {
	vr, err := google.Call(ctx, c.settings, instrumentation.ServiceSheets, instrumentation.OperationGetValues, nil,
		func(ctx context.Context) (*sheets.ValueRange, error) {
			return c.svc.Spreadsheets.Values.Get(spreadsheetID, a1Range).
				ValueRenderOption("FORMATTED_VALUE").
				Context(ctx).
				Do()
		})
	if err != nil {
		return nil, err
	}

	rows := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		rows[i] = make([]string, len(row))
		for j, cell := range row {
			if cell != nil {
				rows[i][j] = fmt.Sprint(cell)
			}
		}
	}
	return rows, nil
}

func (c *Client) AppendValues(ctx context.Context, spreadsheetID, a1Range string, rows [][]string) (string, error) {
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, cell := range row {
			values[i][j] = cell
		}
	}

	resp, err := google.Call(ctx, c.settings, instrumentation.ServiceSheets, instrumentation.OperationAppend, retry.IsRejected,
		func(ctx context.Context) (*sheets.AppendValuesResponse, error) {
			return c.svc.Spreadsheets.Values.Append(spreadsheetID, a1Range, &sheets.ValueRange{Values: values}).
				ValueInputOption("USER_ENTERED").
				InsertDataOption("INSERT_ROWS").
				Context(ctx).
				Do()
		})
	if err != nil {
		return "", err
	}
	if resp.Updates == nil {
		return "", fmt.Errorf("append response carries no updated range")
	}
	return resp.Updates.UpdatedRange, nil
}

func (c *Client) BatchUpdate(ctx context.Context, spreadsheetID string, requests []*sheets.Request) error {
	_, err := google.Call(ctx, c.settings, instrumentation.ServiceSheets, instrumentation.OperationBatchUpdate, retry.IsRejected,
		func(ctx context.Context) (*sheets.BatchUpdateSpreadsheetResponse, error) {
			return c.svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
				Requests: requests,
			}).Context(ctx).Do()
		})
	return err
}
