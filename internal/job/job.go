package job

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// FolderTimeLayout is the timestamp prefix of every output folder.
const FolderTimeLayout = "20060102_150405"

var folderPattern = regexp.MustCompile(`^\d{8}_\d{6}_[A-Za-z0-9-]+$`)

// FolderName derives the output folder identifier from the creation time and id.
// The timestamp prefix keeps folders sortable by creation time; the id keeps them unique.
func FolderName(createdAt time.Time, id string) string {
	return createdAt.UTC().Format(FolderTimeLayout) + "_" + id
}

// ValidFolderName reports whether name has the {YYYYMMDD_HHMMSS}_{id} shape.
func ValidFolderName(name string) bool {
	return folderPattern.MatchString(name)
}

// ActiveDir returns the relative active-output directory of a folder.
func ActiveDir(folder string) string {
	return path.Join("jobs", folder)
}

// ArchiveFile returns the relative archive bundle path for a folder archived at t.
func ArchiveFile(folder string, t time.Time) string {
	t = t.UTC()
	return path.Join("archive", fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), folder+".tar.gz")
}

// NewParams carries the caller-supplied fields of a job.
type NewParams struct {
	ID          string
	Name        string
	Description string
	Type        string
	CreatedBy   string
	Config      Config
	CreatedAt   time.Time
}

// New builds a pending job. The folder identifier is assigned here and never again.
func New(p NewParams) (Job, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Job{}, errors.New("job id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return Job{}, errors.New("job name is required")
	}
	if p.Type == "" {
		p.Type = TypeWeb
	}
	if p.Type != TypeWeb {
		return Job{}, fmt.Errorf("unsupported job type %q", p.Type)
	}
	cfg := p.Config.WithDefaults()
	if len(cfg.StartURLs) == 0 {
		return Job{}, errors.New("at least one start url is required")
	}
	created := p.CreatedAt.UTC()
	return Job{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Type:        p.Type,
		CreatedBy:   p.CreatedBy,
		Config:      cfg,
		Status:      StatusPending,
		Progress:    Progress{Phase: PhaseQueued},
		FolderName:  FolderName(created, p.ID),
		FileFormat:  cfg.Output.FileFormat,
		CreatedAt:   created,
		UpdatedAt:   created,
	}, nil
}

// EstimatedDuration is the rough run-time guess returned on creation.
func (j Job) EstimatedDuration() time.Duration {
	return time.Duration(j.Config.MaxPages) * 3 * time.Second
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j Job) Clone() Job {
	cp := j
	cp.Config.StartURLs = append([]string(nil), j.Config.StartURLs...)
	cp.Config.RequiredFields = append([]string(nil), j.Config.RequiredFields...)
	cp.Config.Headers = cloneMap(j.Config.Headers)
	cp.Config.Selectors.Fields = cloneMap(j.Config.Selectors.Fields)
	if j.Config.Output.Upload.Enabled != nil {
		v := *j.Config.Output.Upload.Enabled
		cp.Config.Output.Upload.Enabled = &v
	}
	if j.Config.Output.Upload.UploadDocuments != nil {
		v := *j.Config.Output.Upload.UploadDocuments
		cp.Config.Output.Upload.UploadDocuments = &v
	}
	cp.Progress.TotalPages = cloneInt(j.Progress.TotalPages)
	cp.Progress.StartedAt = cloneTime(j.Progress.StartedAt)
	cp.Progress.EstimatedCompletion = cloneTime(j.Progress.EstimatedCompletion)
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Upload != nil {
		u := *j.Upload
		u.URLs = cloneMap(j.Upload.URLs)
		u.Errors = append([]string(nil), j.Upload.Errors...)
		u.UploadedAt = cloneTime(j.Upload.UploadedAt)
		cp.Upload = &u
	}
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.ArchivedAt = cloneTime(j.ArchivedAt)
	cp.DeletedAt = cloneTime(j.DeletedAt)
	return cp
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
