// Package job carries the engine's contract with the job-submission
// facility and the one piece of job knowledge the sync core needs itself:
// resolving the original submitter of a job so its events route only to
// that peer.
package job

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// PathPrefix is the datasite subtree reserved for job files.
const PathPrefix = "app_data/job/"

// ConfigFileName is the per-job metadata file carrying the submitter.
const ConfigFileName = "config.yaml"

// ErrNoSubmitter reports a job whose submitter cannot be determined.
var ErrNoSubmitter = errors.New("job: submitter not recorded")

// Client is the job-submission facility the manager delegates to. The
// implementation lives outside the sync core.
type Client interface {
	// SubmitBashJob stages a bash job toward user and returns the job
	// directory under the local syftbox folder.
	SubmitBashJob(user, name, script string) (string, error)

	// SubmitPythonJob stages a python job toward user and returns the job
	// directory under the local syftbox folder.
	SubmitPythonJob(user, name, code string) (string, error)
}

// config is the subset of config.yaml the core reads.
type config struct {
	SubmittedBy string `yaml:"submitted_by"`
}

// IsJobPath reports whether a datasite path belongs to a job.
func IsJobPath(pathInDatasite string) bool {
	return strings.Contains(pathInDatasite, PathPrefix)
}

// NameFromPath extracts the job name from a datasite path like
// app_data/job/<name>/..., or "" when the path is not a job path.
func NameFromPath(pathInDatasite string) string {
	idx := strings.Index(pathInDatasite, PathPrefix)
	if idx < 0 {
		return ""
	}
	rest := pathInDatasite[idx+len(PathPrefix):]
	if cut := strings.IndexByte(rest, '/'); cut >= 0 {
		rest = rest[:cut]
	}
	return rest
}

// SubmitterResolver resolves job submitters from the materialized datasite
// on disk.
type SubmitterResolver struct {
	// datasiteDir is the owner's materialized datasite root
	// (syftbox_folder/<owner_email>).
	datasiteDir string
}

// NewSubmitterResolver creates a resolver over the owner's datasite
// directory.
func NewSubmitterResolver(datasiteDir string) *SubmitterResolver {
	return &SubmitterResolver{datasiteDir: datasiteDir}
}

// Submitter returns the submitted_by email for the job owning
// pathInDatasite. ErrNoSubmitter when the job config is missing, unreadable
// or lacks the field; callers must skip (never broadcast) such events.
func (r *SubmitterResolver) Submitter(pathInDatasite string) (string, error) {
	name := NameFromPath(pathInDatasite)
	if name == "" {
		return "", errors.Wrap(ErrNoSubmitter, pathInDatasite)
	}
	configPath := filepath.Join(r.datasiteDir, filepath.FromSlash(PathPrefix), name, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", errors.Wrap(ErrNoSubmitter, pathInDatasite)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", errors.Wrap(ErrNoSubmitter, pathInDatasite)
	}
	if cfg.SubmittedBy == "" {
		return "", errors.Wrap(ErrNoSubmitter, pathInDatasite)
	}
	return cfg.SubmittedBy, nil
}
