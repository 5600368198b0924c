package student

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
)

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fieldError("format", "format must be csv or xlsx")
}

var exportHeader = []string{"Full Name", "Roll No", "Class", "Section", "Gender", "Parent", "Phone", "Email"}

const exportSheet = "Students"

func exportRow(s *Student) []string {
	return []string{
		s.FullName,
		strconv.Itoa(s.RollNo),
		s.ClassName,
		s.Section,
		s.Gender,
		s.ParentName,
		s.ParentPhone,
		s.Email,
	}
}

// WriteExport renders rows to w in the given format.
func WriteExport(w io.Writer, format ExportFormat, rows []Student) error {
	if format == FormatXLSX {
		return writeXLSX(w, rows)
	}
	return writeCSV(w, rows)
}

func writeCSV(w io.Writer, rows []Student) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(exportRow(&rows[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, rows []Student) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return err
	}

	for i := range rows {
		s := &rows[i]
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{s.FullName, s.RollNo, s.ClassName, s.Section, s.Gender, s.ParentName, s.ParentPhone, s.Email}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	_, err := f.WriteTo(w)
	return err
}
