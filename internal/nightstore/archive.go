package nightstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/model"
)

// ErrNotArchived means no file exists for the requested night.
var ErrNotArchived = errors.New("night not archived")

// Archive keeps JSON snapshots of each night on disk, at most maxFiles per
// night.
type Archive struct {
	dir      string
	maxFiles int
}

// NewArchive creates an Archive in dir keeping at most maxFiles per night.
func NewArchive(dir string, maxFiles int) *Archive {
	if maxFiles <= 0 {
		maxFiles = 5
	}
	return &Archive{dir: dir, maxFiles: maxFiles}
}

// Write saves n to a timestamped file and prunes older files of that night.
func (a *Archive) Write(n *model.Night, ts time.Time) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}

	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding night %s: %w", n.ID, err)
	}

	name := fmt.Sprintf("night_%s_%d.json", n.ID, ts.UnixNano())
	tmp := filepath.Join(a.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing archive file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(a.dir, name)); err != nil {
		return fmt.Errorf("renaming archive file: %w", err)
	}

	return a.prune(n.ID)
}

// LoadLatest reads the newest file of the night and validates it.
func (a *Archive) LoadLatest(nightID string) (*model.Night, time.Time, error) {
	files, err := a.listFiles(nightID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(files) == 0 {
		return nil, time.Time{}, fmt.Errorf("%s: %w", nightID, ErrNotArchived)
	}

	// Files are sorted oldest first; take the last one.
	latest := files[len(files)-1]
	data, err := os.ReadFile(filepath.Join(a.dir, latest.name))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading archive file: %w", err)
	}

	var n model.Night
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding %s: %w", latest.name, err)
	}
	if n.Targets == nil {
		n.Targets = make(map[model.LaserTargetID]*model.LaserTarget)
	}
	if err := n.Validate(); err != nil {
		return nil, time.Time{}, fmt.Errorf("%s: %w", latest.name, err)
	}
	return &n, latest.ts, nil
}

type archiveFile struct {
	name string
	ts   time.Time
}

func (a *Archive) listFiles(nightID string) ([]archiveFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing archive dir: %w", err)
	}

	prefix := "night_" + nightID + "_"
	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		nanos, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, archiveFile{name: name, ts: time.Unix(0, nanos)})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ts.Before(files[j].ts)
	})
	return files, nil
}

func (a *Archive) prune(nightID string) error {
	files, err := a.listFiles(nightID)
	if err != nil {
		return err
	}
	if len(files) <= a.maxFiles {
		return nil
	}

	for _, f := range files[:len(files)-a.maxFiles] {
		if err := os.Remove(filepath.Join(a.dir, f.name)); err != nil {
			return fmt.Errorf("pruning archive file %s: %w", f.name, err)
		}
	}
	return nil
}
