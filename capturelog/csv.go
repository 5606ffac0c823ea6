package capturelog

//
// CSVWriter: the durable half of the Capture Logger (spec §4.5). Column
// order, formatting and the forwarded/dropped distinction are exactly the
// spec's; gocsv drives the marshaling the way m-lab-tcp-info's csvtool
// drives inetdiag row structs, with the header emitted once up front and
// every subsequent row appended through MarshalCSVWithoutHeaders so this
// writer never re-reads or rewrites what's already on disk.
//

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/hiltest/cangw"
)

// csvRow is one CSV line; field order is the marshaled column order (spec
// §4.5): seq, event, direction, rx_ts, tx_ts, arb_id, dlc, data, delay_ms,
// jitter_ms, loss_pct, latency_us.
type csvRow struct {
	Seq       int    `csv:"seq"`
	Event     string `csv:"event"`
	Direction string `csv:"direction"`
	RxTs      string `csv:"rx_ts"`
	TxTs      string `csv:"tx_ts"`
	ArbID     string `csv:"arb_id"`
	DLC       int    `csv:"dlc"`
	Data      string `csv:"data"`
	DelayMs   string `csv:"delay_ms"`
	JitterMs  string `csv:"jitter_ms"`
	LossPct   string `csv:"loss_pct"`
	LatencyUs string `csv:"latency_us"`
}

// CSVWriter appends one row per forwarded or dropped receive. The zero
// value is invalid; use [NewCSVWriter].
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	logger cangw.Logger
	seq    int
}

// NewCSVWriter creates path, writes the header row, and returns a ready
// writer.
func NewCSVWriter(path string, logger cangw.Logger) (*CSVWriter, error) {
	if logger == nil {
		logger = cangw.NullLogger{}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := gocsv.MarshalCSV([]csvRow{}, gocsv.DefaultCSVWriter(f)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("capturelog: writing CSV header: %w", err)
	}
	return &CSVWriter{file: f, logger: logger}, nil
}

// formatArbID renders arbID as "0x%03X" for standard frames or "0x%08X" for
// extended frames (spec §4.5).
func formatArbID(arbID uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("0x%08X", arbID)
	}
	return fmt.Sprintf("0x%03X", arbID)
}

// formatData renders payload as space-separated upper-case hex bytes.
func formatData(payload []byte) string {
	parts := make([]string, len(payload))
	for i, b := range payload {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

func formatTenths(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

// RecordForwarded appends a "forwarded" row.
func (w *CSVWriter) RecordForwarded(dir cangw.Direction, rxTs, txTs time.Duration, frame cangw.Frame, latencyUs float64, cfg cangw.SettingsSnapshot) error {
	return w.appendRow(csvRow{
		Event:     "forwarded",
		Direction: dir.String(),
		RxTs:      formatSeconds(rxTs),
		TxTs:      formatSeconds(txTs),
		ArbID:     formatArbID(frame.ArbitrationID, frame.IsExtendedID),
		DLC:       len(frame.Payload),
		Data:      formatData(frame.Payload),
		DelayMs:   formatTenths(cfg.DelayMs),
		JitterMs:  formatTenths(cfg.JitterMs),
		LossPct:   formatTenths(cfg.LossPct),
		LatencyUs: fmt.Sprintf("%.0f", latencyUs),
	})
}

// RecordDropped appends a "dropped" row; tx_ts and latency_us are left
// empty (spec §4.5).
func (w *CSVWriter) RecordDropped(dir cangw.Direction, rxTs time.Duration, frame cangw.Frame, cfg cangw.SettingsSnapshot) error {
	return w.appendRow(csvRow{
		Event:     "dropped",
		Direction: dir.String(),
		RxTs:      formatSeconds(rxTs),
		ArbID:     formatArbID(frame.ArbitrationID, frame.IsExtendedID),
		DLC:       len(frame.Payload),
		Data:      formatData(frame.Payload),
		DelayMs:   formatTenths(cfg.DelayMs),
		JitterMs:  formatTenths(cfg.JitterMs),
		LossPct:   formatTenths(cfg.LossPct),
	})
}

func (w *CSVWriter) appendRow(row csvRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	row.Seq = w.seq

	if err := gocsv.MarshalCSVWithoutHeaders([]csvRow{row}, gocsv.DefaultCSVWriter(w.file)); err != nil {
		return fmt.Errorf("capturelog: appending CSV row: %w", err)
	}
	return nil
}

// Flush fsyncs the underlying file so rows written so far survive a crash
// (spec §4.5 "CSV MUST be durable").
func (w *CSVWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close flushes and closes the file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.logger.Warnf("capturelog: CSVWriter: sync: %s", err.Error())
	}
	return w.file.Close()
}
