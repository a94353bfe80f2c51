package reports

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
)

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, s ReportStore) (Generator, error) {
	switch reportType {
	case ReportTypeDLQ:
		return NewDLQReport(s), nil
	case ReportTypeReplays:
		return NewReplayReport(s), nil
	default:
		return nil, fmt.Errorf("unknown report type: %s", reportType)
	}
}

// writeCSV renders headers and rows into an in-memory CSV document.
func writeCSV(headers []string, rows [][]string) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write rows: %w", err)
	}
	return buf, nil
}
