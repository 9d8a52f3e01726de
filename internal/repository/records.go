package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iago/membership-intake/internal/domain"
)

var recordColumns = []string{
	"reference",
	"job_id",
	"row_number",
	"id_number",
	"first_name",
	"surname",
	"date_of_birth",
	"gender",
	"cell_number",
	"email",
	"address",
	"province_code",
	"district_code",
	"municipality_code",
	"ward_code",
	"voting_district_code",
	"payment_amount",
	"payment_method",
	"payment_reference",
	"payment_date",
	"verification",
	"renewal_type",
	"fraud_flagged",
	"fraud",
}

func recordValues(jobID string, record domain.ProcessedRecord) ([]any, error) {
	var fraud []byte
	if record.Fraud.Detected {
		encoded, err := json.Marshal(record.Fraud)
		if err != nil {
			return nil, fmt.Errorf("encode fraud signal for row %d: %w", record.Record.RowNumber, err)
		}
		fraud = encoded
	}

	row := record.Record
	return []any{
		record.Reference,
		jobID,
		row.RowNumber,
		strings.TrimSpace(row.IDNumber),
		strings.TrimSpace(row.FirstName),
		strings.TrimSpace(row.Surname),
		row.DateOfBirth,
		row.Gender,
		row.CellNumber,
		row.Email,
		row.Address,
		record.Geography.ProvinceCode,
		record.Geography.DistrictCode,
		record.Geography.MunicipalityCode,
		record.Geography.WardCode,
		record.Geography.VotingDistrictCode,
		row.PaymentAmount,
		row.PaymentMethod,
		row.PaymentReference,
		row.PaymentDate,
		string(record.Verification),
		string(record.Renewal),
		record.Fraud.Detected,
		fraud,
	}, nil
}

// buildRecordInsert renders one multi-row INSERT for the chunk. placeholder
// formats the 1-based argument index for the target dialect.
func buildRecordInsert(jobID string, records []domain.ProcessedRecord, placeholder func(int) string) (string, []any, error) {
	var query strings.Builder
	query.WriteString("INSERT INTO bulk_records (")
	query.WriteString(strings.Join(recordColumns, ", "))
	query.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(recordColumns))
	for i, record := range records {
		values, err := recordValues(jobID, record)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(")
		for j := range values {
			if j > 0 {
				query.WriteString(", ")
			}
			query.WriteString(placeholder(len(args) + j + 1))
		}
		query.WriteString(")")
		args = append(args, values...)
	}
	return query.String(), args, nil
}
