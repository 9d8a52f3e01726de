// Package spreadsheet turns uploaded CSV and XLSX files into bulk records.
package spreadsheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/iago/membership-intake/internal/domain"
)

var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// ParseError is fatal for the whole upload.
type ParseError struct {
	Path string
	Row  int
	Err  error
}

func (e *ParseError) Error() string {
	name := filepath.Base(e.Path)
	if e.Row > 0 {
		return fmt.Sprintf("parse %s row %d: %v", name, e.Row, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type column int

const (
	colIDNumber column = iota
	colFirstName
	colSurname
	colDateOfBirth
	colGender
	colCellNumber
	colEmail
	colAddress
	colWardCode
	colVotingDistrict
	colPaymentAmount
	colPaymentMethod
	colPaymentReference
	colPaymentDate
)

var headerAliases = map[string]column{
	"idnumber": colIDNumber, "id": colIDNumber, "idno": colIDNumber, "identitynumber": colIDNumber, "said": colIDNumber,
	"firstname": colFirstName, "firstnames": colFirstName, "name": colFirstName, "names": colFirstName,
	"surname": colSurname, "lastname": colSurname,
	"dateofbirth": colDateOfBirth, "dob": colDateOfBirth, "birthdate": colDateOfBirth,
	"gender": colGender, "sex": colGender,
	"cellnumber": colCellNumber, "cell": colCellNumber, "cellphone": colCellNumber, "mobile": colCellNumber,
	"mobilenumber": colCellNumber, "phone": colCellNumber,
	"email": colEmail, "emailaddress": colEmail,
	"address": colAddress, "residentialaddress": colAddress,
	"wardcode": colWardCode, "ward": colWardCode, "wardno": colWardCode, "wardnumber": colWardCode,
	"votingdistrictcode": colVotingDistrict, "votingdistrict": colVotingDistrict, "vd": colVotingDistrict,
	"vdcode": colVotingDistrict,
	"paymentamount": colPaymentAmount, "amount": colPaymentAmount,
	"paymentmethod": colPaymentMethod, "method": colPaymentMethod,
	"paymentreference": colPaymentReference, "paymentref": colPaymentReference, "reference": colPaymentReference,
	"paymentdate": colPaymentDate, "datepaid": colPaymentDate,
}

var requiredColumns = map[column]string{
	colIDNumber:   "id_number",
	colFirstName:  "first_name",
	colSurname:    "surname",
	colCellNumber: "cell_number",
	colWardCode:   "ward_code",
}

// SupportedExtensions lists the extensions Parse understands.
var SupportedExtensions = []string{".csv", ".xlsx"}

// Parse reads the file at path. Data starts on row 2; blank rows are skipped.
func Parse(path string) ([]domain.BulkRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSV(path)
	case ".xlsx":
		return parseXLSX(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func parseCSV(path string) ([]domain.BulkRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		header  map[column]int
		records []domain.BulkRecord
	)
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			row := 0
			if errors.As(err, &csvErr) {
				row = csvErr.StartLine
			}
			return nil, &ParseError{Path: path, Row: row, Err: err}
		}
		if len(fields) == 0 {
			continue
		}
		line, _ := reader.FieldPos(0)

		if header == nil {
			fields[0] = strings.TrimPrefix(fields[0], "\ufeff")
			header, err = mapHeader(fields)
			if err != nil {
				return nil, &ParseError{Path: path, Row: line, Err: err}
			}
			continue
		}
		if record, ok := buildRecord(line, fields, header, nil); ok {
			records = append(records, record)
		}
	}
	if header == nil {
		return nil, &ParseError{Path: path, Err: errors.New("file is empty")}
	}
	return records, nil
}

func parseXLSX(path string) ([]domain.BulkRecord, error) {
	workbook, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Path: path, Err: errors.New("workbook has no sheets")}
	}
	rows, err := workbook.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if len(rows) == 0 {
		return nil, &ParseError{Path: path, Err: errors.New("sheet is empty")}
	}

	header, err := mapHeader(rows[0])
	if err != nil {
		return nil, &ParseError{Path: path, Row: 1, Err: err}
	}

	records := make([]domain.BulkRecord, 0, len(rows)-1)
	for i, fields := range rows[1:] {
		if record, ok := buildRecord(i+2, fields, header, excelSerialDate); ok {
			records = append(records, record)
		}
	}
	return records, nil
}

func normalizeHeader(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "", "/", "").Replace(value)
}

func mapHeader(fields []string) (map[column]int, error) {
	header := make(map[column]int)
	for i, field := range fields {
		col, ok := headerAliases[normalizeHeader(field)]
		if !ok {
			continue
		}
		if _, exists := header[col]; !exists {
			header[col] = i
		}
	}

	missing := make([]string, 0)
	for col := colIDNumber; col <= colPaymentDate; col++ {
		if name, required := requiredColumns[col]; required {
			if _, ok := header[col]; !ok {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return header, nil
}

// buildRecord reports false for rows where every mapped cell is blank.
func buildRecord(row int, fields []string, header map[column]int, convertDate func(string) string) (domain.BulkRecord, bool) {
	cell := func(col column) string {
		index, ok := header[col]
		if !ok || index >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[index])
	}
	date := func(col column) string {
		value := cell(col)
		if convertDate != nil {
			return convertDate(value)
		}
		return value
	}

	record := domain.BulkRecord{
		RowNumber:          row,
		IDNumber:           cell(colIDNumber),
		FirstName:          cell(colFirstName),
		Surname:            cell(colSurname),
		DateOfBirth:        date(colDateOfBirth),
		Gender:             cell(colGender),
		CellNumber:         cell(colCellNumber),
		Email:              cell(colEmail),
		Address:            cell(colAddress),
		WardCode:           cell(colWardCode),
		VotingDistrictCode: cell(colVotingDistrict),
		PaymentAmount:      cell(colPaymentAmount),
		PaymentMethod:      cell(colPaymentMethod),
		PaymentReference:   cell(colPaymentReference),
		PaymentDate:        date(colPaymentDate),
	}

	for col := range header {
		if cell(col) != "" {
			return record, true
		}
	}
	return record, false
}

// excelSerialDate converts raw numeric date cells to YYYY-MM-DD. Values that
// look like compact YYYYMMDD dates are left alone.
func excelSerialDate(value string) string {
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil || serial <= 0 || serial >= 100000 {
		return value
	}
	converted, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return value
	}
	return converted.Format("2006-01-02")
}
