// Package dispatch sends the handover notices for one spreadsheet target and
// archives the outcome of every flagged row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/handovermail/internal/compose"
	"github.com/teemow/handovermail/internal/drive"
	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/handover"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/logging"
	"github.com/teemow/handovermail/internal/sheets"
	"github.com/teemow/handovermail/internal/thread"
)

// Status tags written to the last column of every archived row.
const (
	TagReply = "Reply OK"
	TagNew   = "New Thread"
	TagError = "Error"
)

// Defaults applied to zero Options fields.
const (
	DefaultSourceSheet  = "Output"
	DefaultArchiveSheet = "send_email"
	DefaultStartRow     = 3
	DefaultMaxPerRun    = 10
)

var (
	colorReply = sheets.Color{Red: 0.71, Green: 0.88, Blue: 0.8}
	colorNew   = sheets.Color{Red: 0.62, Green: 0.77, Blue: 0.91}
	colorError = sheets.Color{Red: 0.96, Green: 0.6, Blue: 0.6}
	colorOther = sheets.Color{Red: 0.85, Green: 0.85, Blue: 0.85}
)

// TagColor returns the background used for a status cell.
func TagColor(tag string) sheets.Color {
	switch tag {
	case TagReply:
		return colorReply
	case TagNew:
		return colorNew
	case TagError:
		return colorError
	default:
		return colorOther
	}
}

// Mailer resolves conversations and sends raw messages.
type Mailer interface {
	thread.Mailbox
	Send(ctx context.Context, raw, threadID string) (string, error)
}

// Sheet is the spreadsheet surface a run needs. *sheets.Workbook satisfies it.
type Sheet interface {
	ReadRows(ctx context.Context, a1Range string) ([][]string, error)
	EnsureSheet(ctx context.Context, title string) (int64, error)
	AppendRows(ctx context.Context, title string, rows [][]string) (int, error)
	HighlightCells(ctx context.Context, title string, cells []sheets.Highlight) error
	DeleteRows(ctx context.Context, title string, rows []int) error
}

// Files exports linked documents. *drive.Client satisfies it.
type Files interface {
	Export(ctx context.Context, fileID, mimeType string) ([]byte, error)
}

// ProgressFunc receives short human readable progress updates.
type ProgressFunc func(ctx context.Context, message string)

// Options describe one dispatch target.
type Options struct {
	Target       string
	SourceSheet  string
	ArchiveSheet string
	StartRow     int
	MaxPerRun    int
	BodyTemplate string
	Strategy     thread.Strategy
	RunID        string
}

func (o Options) withDefaults() Options {
	if o.SourceSheet == "" {
		o.SourceSheet = DefaultSourceSheet
	}
	if o.ArchiveSheet == "" {
		o.ArchiveSheet = DefaultArchiveSheet
	}
	if o.StartRow <= 0 {
		o.StartRow = DefaultStartRow
	}
	if o.MaxPerRun <= 0 {
		o.MaxPerRun = DefaultMaxPerRun
	}
	if o.Strategy == "" {
		o.Strategy = thread.FirstValid
	}
	return o
}

// Outcome is the result of dispatching one record.
type Outcome struct {
	Record    handover.Record
	Success   bool
	Err       error
	Tag       string
	Mode      thread.Mode
	ThreadID  string
	MessageID string

	// Attached is false when the record had no usable file link or the
	// export failed.
	Attached bool

	// ArchiveRow is the raw source row followed by the original subject and
	// the status tag.
	ArchiveRow []string
}

// Report summarises a run.
type Report struct {
	Read       int
	Qualified  int
	Processed  int
	Sent       int
	Failed     int
	Replies    int
	NewThreads int
	Deferred   int

	// ArchiveStartRow is the 1-based archive row the first outcome landed on,
	// or 0 when nothing was archived.
	ArchiveStartRow int

	Outcomes []Outcome
}

// Summary is the terminal status line for a run.
func (r Report) Summary() string {
	if r.Processed == 0 {
		return "no flagged rows"
	}
	s := fmt.Sprintf("sent %d/%d (%d replies, %d new threads)", r.Sent, r.Processed, r.Replies, r.NewThreads)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed (kept for retry)", r.Failed)
	}
	if r.Deferred > 0 {
		s += fmt.Sprintf(", %d deferred to next run", r.Deferred)
	}
	return s
}

// Orchestrator runs one dispatch pass over a target spreadsheet.
type Orchestrator struct {
	mailer   Mailer
	sheet    Sheet
	files    Files
	opts     Options
	body     *handover.Body
	resolver *thread.Resolver
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	progress ProgressFunc
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records per-record outcomes.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithClock overrides the Date header clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator. files may be nil, in which case notices go out
// without attachments.
func New(mailer Mailer, sheet Sheet, files Files, opts Options, options ...Option) (*Orchestrator, error) {
	if mailer == nil {
		return nil, errors.New("dispatch: mailer is required")
	}
	if sheet == nil {
		return nil, errors.New("dispatch: sheet is required")
	}
	opts = opts.withDefaults()

	body, err := handover.NewBody(opts.BodyTemplate)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		mailer: mailer,
		sheet:  sheet,
		files:  files,
		opts:   opts,
		body:   body,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = logging.WithTarget(logging.WithOperation(o.logger, "dispatch.run"), opts.Target)
	if opts.RunID != "" {
		o.logger = o.logger.With(logging.RunID(opts.RunID))
	}
	o.resolver = thread.NewResolver(mailer,
		thread.WithStrategy(opts.Strategy),
		thread.WithLogger(o.logger),
	)
	return o, nil
}

// Run reads the flagged rows, sends up to MaxPerRun notices strictly in sheet
// order, archives every outcome and removes the successful rows from the
// source sheet. A failing record never stops the run; the returned error
// covers reading the source and the final archive, format and delete steps.
func (o *Orchestrator) Run(ctx context.Context) (report Report, err error) {
	ctx, span := instrumentation.StartRunSpan(ctx, o.opts.Target, o.opts.RunID)
	defer func() { instrumentation.EndSpan(span, err) }()

	readRange := sheets.A1(o.opts.SourceSheet, fmt.Sprintf("A%d:L", o.opts.StartRow))
	rows, err := o.sheet.ReadRows(ctx, readRange)
	if err != nil {
		return report, fmt.Errorf("failed to read %s: %w", readRange, err)
	}

	records := handover.ParseRows(rows, o.logger)
	report.Read = len(rows)
	report.Qualified = len(records)
	if len(records) > o.opts.MaxPerRun {
		report.Deferred = len(records) - o.opts.MaxPerRun
		records = records[:o.opts.MaxPerRun]
	}
	o.logger.Info("dispatch started",
		slog.Int("rows", report.Read),
		slog.Int("flagged", report.Qualified),
		slog.Int("deferred", report.Deferred))

	if len(records) == 0 {
		o.report(ctx, "no flagged rows")
		return report, nil
	}

	var authErr error
	for i, rec := range records {
		o.report(ctx, fmt.Sprintf("sending %d/%d: %s", i+1, len(records), rec.Subject))
		out := o.dispatch(ctx, rec)
		o.metrics.RecordDispatchRecord(ctx, o.opts.Target, out.Tag)

		report.Processed++
		switch {
		case !out.Success:
			report.Failed++
		case out.Mode == thread.ModeReply:
			report.Sent++
			report.Replies++
		default:
			report.Sent++
			report.NewThreads++
		}
		report.Outcomes = append(report.Outcomes, out)

		if errors.Is(out.Err, google.ErrReauthRequired) {
			// The remaining records stay flagged for the next run.
			authErr = out.Err
			report.Deferred += len(records) - i - 1
			break
		}
	}

	o.report(ctx, fmt.Sprintf("archiving %d rows", len(report.Outcomes)))
	start, err := o.finalize(ctx, report.Outcomes)
	report.ArchiveStartRow = start
	if err != nil {
		return report, errors.Join(authErr, err)
	}
	if authErr != nil {
		return report, authErr
	}

	if report.Failed > 0 {
		var rows []int
		for _, out := range report.Outcomes {
			if !out.Success {
				rows = append(rows, out.Record.SheetRow(o.opts.StartRow))
			}
		}
		o.logger.Warn("failed rows stay flagged and are archived again by every run until they send",
			slog.Int("failed", report.Failed),
			slog.Any("rows", rows))
	}

	o.logger.Info("dispatch finished",
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("replies", report.Replies),
		slog.Int("new_threads", report.NewThreads))
	return report, nil
}

func (o *Orchestrator) report(ctx context.Context, msg string) {
	if o.progress != nil {
		o.progress(ctx, msg)
	}
}

// dispatch sends one record. It always returns an outcome with an archive row.
func (o *Orchestrator) dispatch(ctx context.Context, rec handover.Record) (out Outcome) {
	row := rec.SheetRow(o.opts.StartRow)
	ctx, span := instrumentation.StartRecordSpan(ctx, o.opts.Target, row)
	logger := o.logger.With(logging.Row(row))

	out = Outcome{Record: rec, Mode: thread.ModeNew}
	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Err = fmt.Errorf("panic while sending row %d: %v", row, r)
		}
		if out.Err != nil {
			out.Tag = TagError
			out.ArchiveRow = archiveRow(rec, rec.Subject, TagError)
			logger.Error("failed to send handover notice", logging.Err(out.Err))
		}
		span.SetAttributes(
			attribute.String(instrumentation.SpanAttrMode, string(out.Mode)),
			attribute.String(instrumentation.SpanAttrTag, out.Tag),
		)
		instrumentation.EndSpan(span, out.Err)
	}()

	msg := compose.Message{
		To:      rec.Recipient,
		Cc:      rec.Cc,
		Subject: rec.Subject,
		Date:    o.now(),
	}
	if data := o.attachment(ctx, logger, rec); data != nil {
		msg.Attachment = data
		msg.AttachmentName = handover.AttachmentName(rec)
		msg.AttachmentType = compose.XLSXMimeType
		out.Attached = true
	}

	text, err := o.body.Render(rec)
	if err != nil {
		out.Err = err
		return out
	}
	msg.Body = text

	decision := o.resolver.Resolve(ctx, rec.Subject)
	original := decision.OriginalSubject
	if original == "" {
		original = rec.Subject
	}
	var threadID string
	if decision.Mode == thread.ModeReply {
		msg.InReplyTo = decision.InReplyTo
		msg.References = decision.References
		threadID = decision.ThreadID
	}

	raw, err := msg.Raw()
	if err != nil {
		out.Err = fmt.Errorf("failed to compose message: %w", err)
		return out
	}

	id, err := o.mailer.Send(ctx, raw, threadID)
	if err != nil {
		out.Err = fmt.Errorf("failed to send message: %w", err)
		return out
	}

	out.Success = true
	out.Mode = decision.Mode
	out.ThreadID = threadID
	out.MessageID = id
	out.Tag = TagNew
	if decision.Mode == thread.ModeReply {
		out.Tag = TagReply
	}
	out.ArchiveRow = archiveRow(rec, original, out.Tag)
	logger.Info("handover notice sent",
		slog.String("mode", string(out.Mode)),
		slog.Bool("attachment", out.Attached),
		logging.ThreadID(threadID))
	return out
}

// attachment exports the linked handover file. Any problem is logged and the
// notice goes out without it.
func (o *Orchestrator) attachment(ctx context.Context, logger *slog.Logger, rec handover.Record) []byte {
	if o.files == nil || rec.FileLink == "" {
		return nil
	}
	id, ok := drive.FileIDFromURL(rec.FileLink)
	if !ok {
		logger.Warn("file link has no document id, sending without attachment")
		return nil
	}
	data, err := o.files.Export(ctx, id, compose.XLSXMimeType)
	if err != nil {
		logger.Warn("failed to export handover file, sending without attachment", logging.Err(err))
		return nil
	}
	return data
}

// finalize archives all outcomes, colours their status cells and deletes the
// successfully sent rows from the source sheet, each as a single batch.
func (o *Orchestrator) finalize(ctx context.Context, outcomes []Outcome) (int, error) {
	archive := make([][]string, 0, len(outcomes))
	for _, out := range outcomes {
		archive = append(archive, out.ArchiveRow)
	}

	if _, err := o.sheet.EnsureSheet(ctx, o.opts.ArchiveSheet); err != nil {
		return 0, fmt.Errorf("failed to prepare archive sheet %q: %w", o.opts.ArchiveSheet, err)
	}
	start, err := o.sheet.AppendRows(ctx, o.opts.ArchiveSheet, archive)
	if err != nil {
		return 0, fmt.Errorf("failed to archive %d rows: %w", len(archive), err)
	}

	cells := make([]sheets.Highlight, 0, len(outcomes))
	for i, out := range outcomes {
		cells = append(cells, sheets.Highlight{
			Row:   start + i,
			Col:   len(out.ArchiveRow) - 1,
			Color: TagColor(out.Tag),
		})
	}
	if err := o.sheet.HighlightCells(ctx, o.opts.ArchiveSheet, cells); err != nil {
		// The rows are archived already; only the colour is missing.
		o.logger.Warn("failed to colour archived rows", logging.Err(err))
	}

	var sent []int
	for _, out := range outcomes {
		if out.Success {
			sent = append(sent, out.Record.SheetRow(o.opts.StartRow))
		}
	}
	if len(sent) == 0 {
		return start, nil
	}
	if err := o.sheet.DeleteRows(ctx, o.opts.SourceSheet, sent); err != nil {
		return start, fmt.Errorf("failed to remove %d sent rows from %q: %w", len(sent), o.opts.SourceSheet, err)
	}
	return start, nil
}

func archiveRow(rec handover.Record, originalSubject, tag string) []string {
	row := make([]string, 0, len(rec.Raw)+2)
	row = append(row, rec.Raw...)
	return append(row, originalSubject, tag)
}
