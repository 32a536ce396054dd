package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/webjobd/internal/config"
	"github.com/3leaps/webjobd/internal/observability"
	"github.com/3leaps/webjobd/pkg/backend"
	svcconfig "github.com/3leaps/webjobd/pkg/config"
	"github.com/3leaps/webjobd/pkg/jobdb"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the installation and the service configuration.

Without a service configuration only the process checks run. With one, the
state directories, the job database and the state file are checked too.

Examples:
  webjobd doctor
  webjobd doctor -s service.yaml
  webjobd doctor -s service.yaml --provider s3`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorReport numbers and logs each check.
type doctorReport struct {
	n      int
	failed int
}

func (r *doctorReport) ok(label, detail string, fields ...zap.Field) {
	r.n++
	observability.CLILogger.Info(fmt.Sprintf("[%d] %s... ✅ %s", r.n, label, detail), fields...)
}

func (r *doctorReport) warn(label, detail string, fields ...zap.Field) {
	r.n++
	observability.CLILogger.Warn(fmt.Sprintf("[%d] %s... ⚠️  %s", r.n, label, detail), fields...)
}

func (r *doctorReport) fail(label, detail string, err error) {
	r.n++
	r.failed++
	observability.CLILogger.Error(fmt.Sprintf("[%d] %s... ❌ %s", r.n, label, detail), zap.Error(err))
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")

	r := &doctorReport{}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.ok("Checking Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Checking Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}
	r.ok("Checking environment", runtime.GOOS+"/"+runtime.GOARCH)

	if settings := appconfig.GetConfig(); settings != nil {
		r.ok("Checking process settings", "log level "+settings.Logging.Level,
			zap.String("service_config", settings.Service.Config))
	} else {
		r.fail("Checking process settings", "not loaded", errors.New("settings not loaded"))
	}

	path, err := resolveServiceConfig()
	if err != nil {
		r.warn("Checking service configuration", "none given, skipping service checks")
	} else {
		cfg, err := svcconfig.Load(path)
		if err != nil {
			r.fail("Checking service configuration", "cannot load "+path, err)
		} else {
			r.ok("Checking service configuration", cfg.ServiceName, zap.String("path", path))
			checkService(ctx, r, cfg)
			if doctorProvider == "s3" || cfg.Archive.S3.Bucket != "" {
				runS3Checks(ctx, r, cfg.Archive.S3)
			}
		}
	}
	if doctorProvider == "s3" && err != nil {
		runS3Checks(ctx, r, svcconfig.S3{})
	}

	observability.CLILogger.Info("")
	if r.failed == 0 {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
		return nil
	}
	observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	return exitWith(ExitFailure, nil)
}

// checkService verifies the state directories, database and state file.
func checkService(ctx context.Context, r *doctorReport, cfg *svcconfig.Config) {
	for _, dir := range cfg.StateDirectories() {
		if err := checkWritableDir(dir); err != nil {
			r.fail("Checking directory "+dir, "not usable", err)
			continue
		}
		r.ok("Checking directory "+dir, "writable")
	}

	db, err := jobdb.Open(ctx, cfg.Database.JobDB(cfg.ExtraFields))
	if err != nil {
		r.fail("Checking job database", "cannot open", err)
	} else {
		defer func() { _ = db.Close() }()
		if err := db.Ping(ctx); err != nil {
			r.fail("Checking job database", "ping failed", err)
		} else {
			r.ok("Checking job database", "reachable")
		}
	}

	st, err := backend.ReadStateFile(cfg.Backend.StateFile)
	switch {
	case err != nil:
		r.fail("Checking state file", "unreadable", err)
	case st.Failure != "":
		r.fail("Checking state file", "service halted: "+st.Failure,
			fmt.Errorf("remove %s after fixing the cause", cfg.Backend.StateFile))
	case st.Running():
		r.ok("Checking state file", fmt.Sprintf("running (pid %d)", st.PID))
	case st.PID > 0:
		r.warn("Checking state file", fmt.Sprintf("stale pid %d", st.PID))
	default:
		r.ok("Checking state file", "stopped")
	}
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks verifies credentials for the archive uploader.
func runS3Checks(ctx context.Context, r *doctorReport, s3 svcconfig.S3) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if s3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s3.Region))
	}
	if s3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s3.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		r.fail("Checking AWS credentials", "Cannot load AWS config", err)
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("Checking AWS credentials", "Cannot retrieve credentials", err)
		printAWSCredentialsHelp()
		return
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.ok("Checking AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source))
	if s3.Bucket != "" {
		r.ok("Checking archive bucket", s3.Bucket, zap.String("prefix", s3.Prefix))
	}
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set archive.s3.profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set archive.s3.endpoint")
	observability.CLILogger.Info("")
}
