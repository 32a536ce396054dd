package runner

import (
	"path"
	"strings"
	"unicode"
)

// JobDirEnv is set by the generated wrapper to the job's directory.
const JobDirEnv = "_WEBJOBD_JOB_DIR"

// wrapScript surrounds body with commands that record STARTED and DONE in
// the job-state file. Shells we do not recognize get no wrapper; such
// scripts must maintain job-state themselves.
func wrapScript(interpreter, body string) string {
	var b strings.Builder
	switch path.Base(interpreter) {
	case "csh", "tcsh":
		b.WriteString("setenv " + JobDirEnv + " `pwd`\n")
	case "sh", "bash", "zsh", "ksh", "dash":
		b.WriteString(JobDirEnv + "=`pwd`\n")
		b.WriteString("export " + JobDirEnv + "\n")
	default:
		b.WriteString(body)
		return b.String()
	}
	b.WriteString(`echo "` + SentinelStarted + `" > ${` + JobDirEnv + `}/` + SentinelFile + "\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(`echo "` + SentinelDone + `" > ${` + JobDirEnv + `}/` + SentinelFile + "\n")
	return b.String()
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// sgeJobName makes name acceptable to qsub -N, which rejects names that
// start with a digit and a few reserved words.
func sgeJobName(name string) string {
	name = stripSpace(name)
	if name == "" || name == "ALL" || name == "template" || name == "NONE" ||
		(name[0] >= '0' && name[0] <= '9') {
		return "J" + name
	}
	return name
}

func slurmJobName(name string) string {
	return stripSpace(name)
}
