package domain

import "time"

// BulkRecord is one row of an uploaded membership spreadsheet.
// RowNumber is the 1-based spreadsheet row (the header occupies row 1).
type BulkRecord struct {
	RowNumber          int    `json:"row_number"`
	IDNumber           string `json:"id_number" validate:"required,said"`
	FirstName          string `json:"first_name" validate:"required,max=100"`
	Surname            string `json:"surname" validate:"required,max=100"`
	DateOfBirth        string `json:"date_of_birth,omitempty" validate:"omitempty,anydate"`
	Gender             string `json:"gender,omitempty"`
	CellNumber         string `json:"cell_number" validate:"required,cellphone"`
	Email              string `json:"email,omitempty" validate:"omitempty,email"`
	Address            string `json:"address,omitempty"`
	WardCode           string `json:"ward_code" validate:"required,numeric,len=8"`
	VotingDistrictCode string `json:"voting_district_code,omitempty"`
	PaymentAmount      string `json:"payment_amount,omitempty" validate:"omitempty,numeric"`
	PaymentMethod      string `json:"payment_method,omitempty"`
	PaymentReference   string `json:"payment_reference,omitempty"`
	PaymentDate        string `json:"payment_date,omitempty" validate:"omitempty,anydate"`
}

type Geography struct {
	ProvinceCode       string `json:"province_code,omitempty"`
	DistrictCode       string `json:"district_code,omitempty"`
	MunicipalityCode   string `json:"municipality_code,omitempty"`
	WardCode           string `json:"ward_code,omitempty"`
	VotingDistrictCode string `json:"voting_district_code,omitempty"`
}

type ValidationResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

type FraudKind string

const (
	FraudWardMismatch      FraudKind = "ward_mismatch"
	FraudDuplicateInUpload FraudKind = "duplicate_in_upload"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type FraudFinding struct {
	Kind        FraudKind      `json:"kind"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// FraudSignal reports the first finding and keeps every finding as evidence.
type FraudSignal struct {
	Detected    bool           `json:"detected"`
	Kind        FraudKind      `json:"kind,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Description string         `json:"description,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Findings    []FraudFinding `json:"findings,omitempty"`
}

type RenewalType string

const (
	RenewalNew                  RenewalType = "new"
	RenewalEarly                RenewalType = "early"
	RenewalOnTime               RenewalType = "on_time"
	RenewalLate                 RenewalType = "late"
	RenewalInactiveReactivation RenewalType = "inactive_reactivation"
)

// MemberSnapshot is the existing membership state for an identifier.
type MemberSnapshot struct {
	IDNumber   string    `json:"id_number"`
	Status     string    `json:"status"`
	ExpiryDate time.Time `json:"expiry_date"`
}

type VerificationState string

const (
	VerificationVerified     VerificationState = "verified"
	VerificationUnregistered VerificationState = "unregistered"
	VerificationSkipped      VerificationState = "skipped"
	VerificationUnavailable  VerificationState = "unavailable"
)

// ProcessedRecord carries everything attached to a row before persistence.
type ProcessedRecord struct {
	Record       BulkRecord        `json:"record"`
	Validation   ValidationResult  `json:"validation"`
	Fraud        FraudSignal       `json:"fraud"`
	Geography    Geography         `json:"geography"`
	Verification VerificationState `json:"verification"`
	Renewal      RenewalType       `json:"renewal,omitempty"`
	Reference    string            `json:"reference,omitempty"`
}

type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// BatchResult is the aggregate outcome of a chunked insert.
type BatchResult struct {
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	Errors       []RowError        `json:"errors,omitempty"`
	Succeeded    []ProcessedRecord `json:"-"`
	Failed       []ProcessedRecord `json:"-"`
}
