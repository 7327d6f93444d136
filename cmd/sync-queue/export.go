package main

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/xuri/excelize/v2"
)

const failedSheet = "Sheet1"

var failedHeader = []string{"EntryId", "Type", "Attempts", "MaxRetries", "CreatedAt", "LastError", "Payload"}

// writeFailedSheet renders one row per failed entry.
func writeFailedSheet(w io.Writer, entries []syncqueue.Entry) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, h := range failedHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		f.SetCellValue(failedSheet, cell, h)
	}
	for i, e := range entries {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(failedSheet, "A"+row, e.ID)
		f.SetCellValue(failedSheet, "B"+row, e.Type)
		f.SetCellValue(failedSheet, "C"+row, e.Attempts)
		f.SetCellValue(failedSheet, "D"+row, e.MaxRetries)
		f.SetCellValue(failedSheet, "E"+row, e.CreatedAt.UTC().Format(time.RFC3339))
		f.SetCellValue(failedSheet, "F"+row, e.LastError)
		f.SetCellValue(failedSheet, "G"+row, string(e.Payload))
	}
	return f.Write(w)
}
