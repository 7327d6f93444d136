package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/xuri/excelize/v2"
)

func TestWriteFailedSheet(t *testing.T) {
	entries := []syncqueue.Entry{{
		ID:         "e-1",
		Type:       "order.fulfill",
		Payload:    json.RawMessage(`{"tenantId":"tenant-1"}`),
		Attempts:   8,
		MaxRetries: 8,
		State:      syncqueue.StateFailed,
		CreatedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		LastError:  "insufficient stock",
	}}

	var buf bytes.Buffer
	if err := writeFailedSheet(&buf, entries); err != nil {
		t.Fatalf("writeFailedSheet: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(failedSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header plus one entry", len(rows))
	}
	if rows[0][0] != "EntryId" || rows[1][0] != "e-1" || rows[1][2] != "8" || rows[1][5] != "insufficient stock" {
		t.Fatalf("unexpected rows %v", rows)
	}
}
