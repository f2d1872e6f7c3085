package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/pkg/errors"
)

type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name (default UTC)"`
}

func currentTime(in currentTimeInput) (map[string]string, error) {
	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, errors.Wrapf(err, "unknown timezone %s", in.Timezone)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return map[string]string{"time": now.Format(time.RFC3339), "timezone": loc.String()}, nil
}

// serverTools are executed by the server inside a run.
func serverTools() (*tools.Catalog, error) {
	clock, err := tools.NewToolFromFunc("current_time", "Return the current time", currentTime, tools.WithScope("clock"))
	if err != nil {
		return nil, err
	}
	return tools.NewCatalog(*clock)
}

type listFilesInput struct {
	Dir string `json:"dir" jsonschema:"description=Directory to list,required"`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=File to write,required"`
	Content string `json:"content" jsonschema:"description=Full file content,required"`
}

// callerTools run on the machine of the chat command. Writing needs approval.
func callerTools(root string) (*tools.Catalog, error) {
	resolve := func(p string) (string, error) {
		abs, err := filepath.Abs(filepath.Join(root, p))
		if err != nil {
			return "", err
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", errors.Errorf("%s is outside of %s", p, root)
		}
		return abs, nil
	}

	list, err := tools.NewToolFromFunc("list_files", "List the files of a directory", func(in listFilesInput) ([]string, error) {
		dir, err := resolve(in.Dir)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return nil, err
	}

	write, err := tools.NewToolFromFunc("write_file", "Write a file", func(in writeFileInput) (string, error) {
		path, err := resolve(in.Path)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
			return "", err
		}
		return "wrote " + in.Path, nil
	}, tools.WithApproval())
	if err != nil {
		return nil, err
	}

	return tools.NewCatalog(*list, *write)
}
