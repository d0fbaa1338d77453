package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EvidenceLog appends one JSON line per moderation incident to a daily
// rotated file. It is an audit trail kept next to the incidents table.
type EvidenceLog struct {
	writer *rotatelogs.RotateLogs
	logger *zap.Logger
}

// NewEvidenceLog opens dir/evidence.YYYYMMDD.log, creating dir if needed.
// Files older than 30 days are removed on rotation.
func NewEvidenceLog(dir string) (*EvidenceLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create evidence dir: %w", err)
	}

	w, err := rotatelogs.New(
		filepath.Join(dir, "evidence.%Y%m%d.log"),
		rotatelogs.WithLinkName(filepath.Join(dir, "evidence.log")),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(30*24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("logging: open evidence log: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.CallerKey = zapcore.OmitKey
	encoderCfg.StacktraceKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), zapcore.InfoLevel)

	return &EvidenceLog{writer: w, logger: zap.New(core)}, nil
}

// LogIncident writes a single evidence record.
func (e *EvidenceLog) LogIncident(userID int64, severity, content, analysis, model string) {
	e.logger.Info("incident",
		zap.Int64("user_id", userID),
		zap.String("severity", severity),
		zap.String("detected_content", content),
		zap.String("analysis", analysis),
		zap.String("model", model),
	)
}

// Close flushes and closes the current file.
func (e *EvidenceLog) Close() error {
	_ = e.logger.Sync()
	return e.writer.Close()
}
