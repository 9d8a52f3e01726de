package spreadsheet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseCSVWithAliasesAndBlankRows(t *testing.T) {
	path := writeFile(t, "ward_79700001.csv", "\ufeffID Number,First Name,Last_Name,Cell,Ward,E-mail,Payment Date\n"+
		"8001015009087,Thandi,Mokoena,0821234567,79700001,thandi@example.org,2024-03-01\n"+
		",,,,,,\n"+
		"9003155002081, Sipho ,Dlamini,+27831234567,79700001,,\n")

	records, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 2, records[0].RowNumber)
	assert.Equal(t, "8001015009087", records[0].IDNumber)
	assert.Equal(t, "Mokoena", records[0].Surname)
	assert.Equal(t, "thandi@example.org", records[0].Email)
	assert.Equal(t, "2024-03-01", records[0].PaymentDate)

	assert.Equal(t, 4, records[1].RowNumber)
	assert.Equal(t, "Sipho", records[1].FirstName)
	assert.Equal(t, "+27831234567", records[1].CellNumber)
}

func TestParseCSVMissingRequiredColumn(t *testing.T) {
	path := writeFile(t, "upload.csv", "id_number,first_name,surname\n8001015009087,A,B\n")

	_, err := Parse(path)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 1, parseErr.Row)
	assert.Contains(t, err.Error(), "cell_number, ward_code")
}

func TestParseEmptyFile(t *testing.T) {
	_, err := Parse(writeFile(t, "empty.csv", ""))
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseUnsupportedExtension(t *testing.T) {
	_, err := Parse(writeFile(t, "upload.ods", "x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "gone.csv"))
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseXLSXFirstSheet(t *testing.T) {
	workbook := excelize.NewFile()
	sheet := workbook.GetSheetName(0)
	require.NoError(t, workbook.SetSheetRow(sheet, "A1", &[]any{"id_number", "first_name", "surname", "cell_number", "ward_code", "date_of_birth"}))
	require.NoError(t, workbook.SetSheetRow(sheet, "A2", &[]any{"8001015009087", "Thandi", "Mokoena", "0821234567", "79700001", time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, workbook.SetSheetRow(sheet, "A4", &[]any{"9003155002081", "Sipho", "Dlamini", "0831234567", "79700002", "1990/03/15"}))

	path := filepath.Join(t.TempDir(), "ward_79700001.xlsx")
	require.NoError(t, workbook.SaveAs(path))
	require.NoError(t, workbook.Close())

	records, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 2, records[0].RowNumber)
	assert.Equal(t, "8001015009087", records[0].IDNumber)
	assert.Equal(t, "1980-01-01", records[0].DateOfBirth)
	assert.Equal(t, 4, records[1].RowNumber)
	assert.Equal(t, "1990/03/15", records[1].DateOfBirth)
	assert.Equal(t, "79700002", records[1].WardCode)
}

func TestParseCorruptXLSX(t *testing.T) {
	_, err := Parse(writeFile(t, "broken.xlsx", "not a zip"))
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}
