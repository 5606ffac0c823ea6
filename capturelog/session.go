package capturelog

//
// CaptureSession ties a BinaryWriter and a CSVWriter together as one
// [cangw.CaptureSink], converting the gateway's absolute timestamps into
// the session-relative ones both artifacts use. Grounded on
// original_source/wp4/src/wp4/core/gateway_logger.py's GatewayLogger, which
// owns exactly this pair and the same filename scheme
// (gateway_{iface0}_{iface1}_{timestamp}.blf); the UUID session ID is an
// additional correlation field the distillation dropped.
//

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hiltest/cangw"
)

// CaptureSession is a ready-to-use [cangw.CaptureSink] writing a .blf/.csv
// pair under dir. The zero value is invalid; use [NewCaptureSession].
type CaptureSession struct {
	SessionID uuid.UUID
	StartedAt time.Time

	binary *BinaryWriter
	csv    *CSVWriter
}

var _ cangw.CaptureSink = (*CaptureSession)(nil)

// NewCaptureSession creates "gateway_{iface0}_{iface1}_{timestamp}.blf" and
// its ".csv" sibling under dir, starting the clock both files' timestamps
// are relative to.
func NewCaptureSession(dir, iface0, iface1 string, startedAt time.Time, logger cangw.Logger) (*CaptureSession, error) {
	base := fmt.Sprintf("gateway_%s_%s_%s", iface0, iface1, startedAt.UTC().Format("20060102T150405Z"))
	binPath := filepath.Join(dir, base+".blf")
	csvPath := filepath.Join(dir, base+".csv")

	bw, err := NewBinaryWriter(binPath, startedAt, logger)
	if err != nil {
		return nil, fmt.Errorf("capturelog: opening %s: %w", binPath, err)
	}
	cw, err := NewCSVWriter(csvPath, logger)
	if err != nil {
		_ = bw.Close()
		return nil, fmt.Errorf("capturelog: opening %s: %w", csvPath, err)
	}

	return &CaptureSession{
		SessionID: uuid.New(),
		StartedAt: startedAt,
		binary:    bw,
		csv:       cw,
	}, nil
}

// RecordForwarded implements [cangw.CaptureSink].
func (s *CaptureSession) RecordForwarded(dir cangw.Direction, rxTs, txTs time.Time, frame cangw.Frame, latencyUs float64, cfg cangw.SettingsSnapshot) {
	s.binary.Append(dir, txTs.Sub(s.StartedAt), frame)
	if err := s.csv.RecordForwarded(dir, rxTs.Sub(s.StartedAt), txTs.Sub(s.StartedAt), frame, latencyUs, cfg); err != nil {
		// best-effort: a CSV write failure is discarded here; it is neither
		// logged nor latched.
		_ = err
	}
}

// RecordDropped implements [cangw.CaptureSink]. Dropped frames are not
// written to the binary file (spec §4.5: "QUEUE and DROP events are NOT
// written to the binary file").
func (s *CaptureSession) RecordDropped(dir cangw.Direction, rxTs time.Time, frame cangw.Frame, cfg cangw.SettingsSnapshot) {
	_ = s.csv.RecordDropped(dir, rxTs.Sub(s.StartedAt), frame, cfg)
}

// Flush implements [cangw.CaptureSink].
func (s *CaptureSession) Flush() error {
	return s.csv.Flush()
}

// Close implements [cangw.CaptureSink], closing both writers.
func (s *CaptureSession) Close() error {
	csvErr := s.csv.Close()
	binErr := s.binary.Close()
	if csvErr != nil {
		return csvErr
	}
	return binErr
}
