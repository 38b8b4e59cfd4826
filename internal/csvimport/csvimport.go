// Package csvimport loads bank statements and receivable lists from CSV.
// Malformed rows are skipped and reported; they never abort the file.
package csvimport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-allocation-backend/internal/apperrors"
	"ledger-allocation-backend/internal/models"
	"ledger-allocation-backend/internal/repository"
	"ledger-allocation-backend/internal/services/allocation"
)

var dateLayouts = []string{"2006-01-02", "02-01-2006", "02/01/2006"}

// RowError describes a skipped row. Row is 1-based and excludes the header.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Report struct {
	Inserted   int        `json:"inserted"`
	Duplicates int        `json:"duplicates"`
	Skipped    []RowError `json:"skipped"`
}

type Importer struct {
	payments    *repository.PaymentRepository
	receivables *repository.ObligationRepository[models.Receivable]
}

func NewImporter(payments *repository.PaymentRepository, receivables *repository.ObligationRepository[models.Receivable]) *Importer {
	return &Importer{payments: payments, receivables: receivables}
}

// StatementOptions fill in what a statement row leaves blank.
type StatementOptions struct {
	BankAccountID uuid.UUID
}

// ImportStatement stores every valid row of a bank statement with columns
// date,bank_account_id,direction,amount,note.
func (im *Importer) ImportStatement(ctx context.Context, r io.Reader, opts StatementOptions) (*Report, error) {
	report := &Report{Skipped: []RowError{}}
	err := readRows(r, 4, report, func(row int, record []string) error {
		p, err := ParsePaymentRow(record, opts)
		if err != nil {
			report.Skipped = append(report.Skipped, RowError{Row: row, Reason: err.Error()})
			return nil
		}
		if err := im.payments.Create(ctx, p); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		report.Inserted++
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Statement imported", "inserted", report.Inserted, "skipped", len(report.Skipped))
	return report, nil
}

// ImportReceivables stores every valid row of a receivables list with
// columns number,counterparty,amount,due_date,description. Rows whose number
// already exists are counted as duplicates.
func (im *Importer) ImportReceivables(ctx context.Context, r io.Reader) (*Report, error) {
	report := &Report{Skipped: []RowError{}}
	err := readRows(r, 3, report, func(row int, record []string) error {
		rec, err := ParseReceivableRow(record)
		if err != nil {
			report.Skipped = append(report.Skipped, RowError{Row: row, Reason: err.Error()})
			return nil
		}
		inserted, err := im.receivables.CreateIfAbsent(ctx, rec)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		if inserted {
			report.Inserted++
		} else {
			report.Duplicates++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Receivables imported",
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func ParsePaymentRow(record []string, opts StatementOptions) (*models.Payment, error) {
	date, err := ParseDate(field(record, 0))
	if err != nil {
		return nil, err
	}

	account := opts.BankAccountID
	if s := field(record, 1); s != "" {
		account, err = uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bank_account_id %q", s)
		}
	}

	dir, err := models.ParseDirection(field(record, 2))
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(field(record, 3))
	if err != nil {
		return nil, err
	}
	// some banks export outflows as negative amounts
	if amount.IsNegative() {
		amount = amount.Neg()
	}

	p := &models.Payment{
		BankAccountID: account,
		Direction:     dir,
		Amount:        amount,
		Date:          date,
		Note:          field(record, 4),
	}
	if err := allocation.ValidatePayment(p); err != nil {
		return nil, err
	}
	return p, nil
}

func ParseReceivableRow(record []string) (*models.Receivable, error) {
	number := field(record, 0)
	if number == "" {
		number = uuid.New().String()
	}
	counterparty := field(record, 1)
	if counterparty == "" {
		return nil, errors.New("counterparty is empty")
	}
	amount, err := ParseAmount(field(record, 2))
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}

	rec := &models.Receivable{
		ID:               uuid.New(),
		Number:           number,
		CounterpartyName: counterparty,
		Description:      field(record, 4),
		Settlement:       models.NewSettlement(amount.Round(2)),
	}
	if s := field(record, 3); s != "" {
		due, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		rec.DueDate = &due
	}
	return rec, nil
}

// ParseDate accepts ISO dates and day-first dates with - or / separators.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ParseAmount accepts "1234.56", "1,234.56", "1234,56" and "1.234,56".
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	s = strings.ReplaceAll(raw, " ", "")
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return d, nil
}

// readRows sniffs the delimiter, skips the header and calls fn with every
// non-blank record. Unreadable rows and rows shorter than minFields are added
// to report.Skipped without reaching fn.
func readRows(r io.Reader, minFields int, report *Report, fn func(row int, record []string) error) error {
	br := bufio.NewReader(r)
	sample, _ := br.Peek(1024)

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comma = sniffDelimiter(sample)

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Invalid("file is empty")
		}
		return apperrors.Invalid("cannot read CSV header: %v", err)
	}

	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		row++
		if err != nil {
			report.Skipped = append(report.Skipped, RowError{Row: row, Reason: err.Error()})
			continue
		}
		if strings.TrimSpace(strings.Join(record, "")) == "" {
			continue
		}
		if len(record) < minFields {
			report.Skipped = append(report.Skipped, RowError{
				Row:    row,
				Reason: fmt.Sprintf("expected at least %d columns, got %d", minFields, len(record)),
			})
			continue
		}
		if err := fn(row, record); err != nil {
			return err
		}
	}
}

func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
