/**
 * Sink for reconstructed material issue rows
 *
 * Every row is its own INSERT on the pool. There is no shared transaction,
 * no retry and no de-duplication: a failed row is reported and the rest
 * continue.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// RecordColumns is the number of cells a persistable row must have
const RecordColumns = 5

// Record is one material issue line. Values are stored as read.
type Record struct {
	MaterialCode     string `json:"materialCode"`
	UOM              string `json:"uom"`
	QuantityRequired string `json:"quantityRequired"`
	QuantityIssued   string `json:"quantityIssued"`
	LotNo            string `json:"lotNo"`
}

// RecordFromRow maps cells positionally
func RecordFromRow(row table.Row) (Record, error) {
	if len(row) != RecordColumns {
		return Record{}, fmt.Errorf("row has %d cells, want %d", len(row), RecordColumns)
	}
	return Record{
		MaterialCode:     row[0],
		UOM:              row[1],
		QuantityRequired: row[2],
		QuantityIssued:   row[3],
		LotNo:            row[4],
	}, nil
}

// Row outcome statuses
const (
	OutcomeInserted = "inserted"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// RowOutcome records what happened to one input row
type RowOutcome struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Err    string `json:"error,omitempty"`
}

// PersistReport summarises one Persist call
type PersistReport struct {
	Inserted int          `json:"inserted"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Outcomes []RowOutcome `json:"outcomes"`
}

// Sink appends rows to the material issue table
type Sink struct {
	db     *sql.DB
	target QualifiedName
	insert string
	logger *logging.Logger
}

// NewSink prepares the insert statement for target
func NewSink(db *sql.DB, target QualifiedName, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.NewLogger("Sink")
	}
	return &Sink{
		db:     db,
		target: target,
		insert: `INSERT INTO ` + target.Quoted() + ` (
			material_code, uom, quantity_required, quantity_issued, lot_no, job_id
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		logger: logger,
	}
}

// Persist inserts each row independently. The report has one outcome per
// input row, in input order. Persist itself never fails; a cancelled context
// marks the remaining rows as failed.
func (s *Sink) Persist(ctx context.Context, rows []table.Row, jobID string) *PersistReport {
	report := &PersistReport{Outcomes: make([]RowOutcome, 0, len(rows))}

	for i, row := range rows {
		outcome := RowOutcome{Index: i}

		rec, err := RecordFromRow(row)
		switch {
		case err != nil:
			rejected := errors.NewRowRejectedError(jobID, i, len(row), RecordColumns)
			outcome.Status = OutcomeSkipped
			outcome.Err = rejected.Message
			report.Skipped++
			s.logger.Warn("Skipping row", "job", jobID, "row", i, "cells", len(row))

		case ctx.Err() != nil:
			outcome.Status = OutcomeFailed
			outcome.Err = ctx.Err().Error()
			report.Failed++

		default:
			if err := s.insertRecord(ctx, rec, jobID); err != nil {
				failure := errors.NewPersistFailedError(jobID, i, err)
				outcome.Status = OutcomeFailed
				outcome.Err = failure.Error()
				report.Failed++
				s.logger.Error("Row insert failed", "job", jobID, "row", i, "error", err)
			} else {
				outcome.Status = OutcomeInserted
				report.Inserted++
				s.logger.Debug("Row inserted", "job", jobID, "row", i, "materialCode", rec.MaterialCode)
			}
		}

		report.Outcomes = append(report.Outcomes, outcome)
	}

	s.logger.Info("Persist complete", "job", jobID, "table", s.target.String(),
		"inserted", report.Inserted, "skipped", report.Skipped, "failed", report.Failed)

	return report
}

func (s *Sink) insertRecord(ctx context.Context, rec Record, jobID string) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		rec.MaterialCode,
		rec.UOM,
		rec.QuantityRequired,
		rec.QuantityIssued,
		rec.LotNo,
		jobID,
	)
	return err
}
