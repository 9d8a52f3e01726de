package intake

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/iago/membership-intake/internal/domain"
)

// NormalizeIdentifier trims, removes inner whitespace and upper-cases.
func NormalizeIdentifier(value string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value))
}

// DuplicateIndex maps a normalized identifier to the sorted rows it appears on.
type DuplicateIndex map[string][]int

func BuildDuplicateIndex(records []domain.BulkRecord) DuplicateIndex {
	index := make(DuplicateIndex)
	for _, record := range records {
		key := NormalizeIdentifier(record.IDNumber)
		if key == "" {
			continue
		}
		index[key] = append(index[key], record.RowNumber)
	}
	for key := range index {
		sort.Ints(index[key])
	}
	return index
}

// Rows returns the rows sharing the record's identifier when there is more
// than one.
func (d DuplicateIndex) Rows(idNumber string) []int {
	rows := d[NormalizeIdentifier(idNumber)]
	if len(rows) < 2 {
		return nil
	}
	return append([]int(nil), rows...)
}

// DetectFraud evaluates ward mismatch then duplicate-in-upload. The first
// finding is reported; every finding is kept. verified is nil when the
// identifier could not be verified.
func DetectFraud(record domain.BulkRecord, verified *domain.Geography, index DuplicateIndex) domain.FraudSignal {
	findings := make([]domain.FraudFinding, 0, 2)

	if verified != nil {
		uploaded := strings.TrimSpace(record.WardCode)
		registered := strings.TrimSpace(verified.WardCode)
		if uploaded != "" && registered != "" && uploaded != registered {
			findings = append(findings, domain.FraudFinding{
				Kind:        domain.FraudWardMismatch,
				Severity:    domain.SeverityHigh,
				Description: fmt.Sprintf("uploaded ward %s does not match registered ward %s", uploaded, registered),
				Evidence: map[string]any{
					"uploaded_ward":   uploaded,
					"registered_ward": registered,
				},
			})
		}
	}

	if rows := index.Rows(record.IDNumber); rows != nil {
		findings = append(findings, domain.FraudFinding{
			Kind:        domain.FraudDuplicateInUpload,
			Severity:    domain.SeverityMedium,
			Description: "identifier appears on rows " + joinRows(rows),
			Evidence:    map[string]any{"rows": rows},
		})
	}

	if len(findings) == 0 {
		return domain.FraudSignal{}
	}
	first := findings[0]
	return domain.FraudSignal{
		Detected:    true,
		Kind:        first.Kind,
		Severity:    first.Severity,
		Description: first.Description,
		Evidence:    first.Evidence,
		Findings:    findings,
	}
}

func joinRows(rows []int) string {
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		parts = append(parts, strconv.Itoa(row))
	}
	return strings.Join(parts, ", ")
}
