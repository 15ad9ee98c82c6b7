package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NotFoundError reports a project with no stored production document.
type NotFoundError struct {
	Project string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config: no production document for project %q", e.Project)
}

// Repository loads production documents by project name. The engine never
// cares where documents live; deployments, tests and the file watcher all go
// through this interface.
type Repository interface {
	// Production returns the validated document for the project.
	Production(ctx context.Context, project string) (*Production, error)
	// Projects lists the projects the repository knows about.
	Projects(ctx context.Context) ([]string, error)
}

// FileRepository reads one YAML document per project from a directory:
// <dir>/<project>.yaml (or .yml).
type FileRepository struct {
	dir string
}

// NewFileRepository returns a repository over the given directory. The
// directory does not have to exist yet; Projects returns empty until it does.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Dir returns the watched directory.
func (r *FileRepository) Dir() string { return r.dir }

// Path returns where the project's document is expected, preferring an
// existing .yaml over .yml.
func (r *FileRepository) Path(project string) string {
	p := filepath.Join(r.dir, project+".yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	alt := filepath.Join(r.dir, project+".yml")
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return p
}

func (r *FileRepository) Production(ctx context.Context, project string) (*Production, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(project, `/\`) || strings.Contains(project, "..") {
		return nil, fmt.Errorf("config: bad project name %q", project)
	}
	data, err := os.ReadFile(r.Path(project))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Project: project}
		}
		return nil, fmt.Errorf("config: read %s: %w", project, err)
	}
	p, err := Load(data)
	if err != nil {
		return nil, err
	}
	if p.Name != project {
		return nil, fmt.Errorf("config: document %s names production %q", r.Path(project), p.Name)
	}
	return p, nil
}

func (r *FileRepository) Projects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: list %s: %w", r.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ext))
	}
	sort.Strings(out)
	return out, nil
}
