package backend

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FrameworkLog is the per-job log file written into the job directory.
const FrameworkLog = "framework.log"

// openLog tees the job logger into the job's framework.log until the
// returned function is called.
func (j *Job) openLog() func() {
	base := j.svc.logger.With(zap.String("job", j.Name()))
	j.log = base
	dir := j.Directory()
	if dir == "" {
		return func() {}
	}
	// #nosec G302 -- job owners read this through the frontend
	f, err := os.OpenFile(filepath.Join(dir, FrameworkLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return func() {}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), j.svc.jobLogLevel)

	j.log = zap.New(zapcore.NewTee(j.svc.logger.Core(), fileCore)).With(zap.String("job", j.Name()))
	return func() {
		_ = j.log.Sync()
		_ = f.Close()
		j.log = base
	}
}
