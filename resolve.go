package migrate

import (
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Source is a place migrations are read from. Any fs.FS works, including
// embed.FS.
type Source struct {
	// Name labels the source in error messages.
	Name string
	FS   fs.FS
}

// DirSource reads migrations from a directory on disk.
func DirSource(dir string) Source {
	return Source{Name: dir, FS: os.DirFS(dir)}
}

// Migration is a single versioned schema change.
type Migration struct {
	Version     Version
	Description string
	Filename    string
	Source      string
	Body        []byte
	Checksum    string
}

func (m Migration) String() string {
	return m.Filename
}

var regexName = regexp.MustCompile(`^V(\d+(?:[._]\d+)*)__(.+)\.([A-Za-z0-9]+)$`)

// Only plain SQL is executable today.
var extensions = map[string]bool{"sql": true}

// Resolve reads every migration from the sources and returns them sorted by
// version. Nothing is cached, so edits are always seen. Directories and
// hidden files are skipped; any other file must be named
// V<version>__<description>.sql, otherwise resolution fails.
func Resolve(sources ...Source) ([]Migration, error) {
	var migrations []Migration
	for _, src := range sources {
		ms, err := resolveSource(src)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, ms...)
	}
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version.Less(migrations[j].Version)
	})
	for i := 1; i < len(migrations); i++ {
		prev, cur := migrations[i-1], migrations[i]
		if prev.Version.Equal(cur.Version) {
			return nil, &ConfigError{
				Source: cur.Source,
				Path:   cur.Filename,
				Reason: "duplicate version " + cur.Version.String() +
					" (also in " + prev.Source + ":" + prev.Filename + ")",
			}
		}
	}
	return migrations, nil
}

func resolveSource(src Source) ([]Migration, error) {
	if src.FS == nil {
		return nil, &ConfigError{Source: src.Name, Reason: "nil filesystem"}
	}
	var migrations []Migration
	err := fs.WalkDir(src.FS, ".", func(pth string, d fs.DirEntry, err error) error {
		if err != nil {
			return &ConfigError{
				Source: src.Name,
				Path:   pth,
				Reason: errors.Wrap(err, "read").Error(),
			}
		}
		name := d.Name()
		// Skip hidden files and directories, but not the root itself
		if pth != "." && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		m, err := parseName(name)
		if err != nil {
			return &ConfigError{Source: src.Name, Path: pth, Reason: err.Error()}
		}
		body, err := fs.ReadFile(src.FS, pth)
		if err != nil {
			return &ConfigError{
				Source: src.Name,
				Path:   pth,
				Reason: errors.Wrap(err, "read").Error(),
			}
		}
		m.Filename = path.Clean(pth)
		m.Source = src.Name
		m.Body = body
		m.Checksum = Checksum(body)
		migrations = append(migrations, m)
		return nil
	})
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, &ConfigError{Source: src.Name, Reason: err.Error()}
	}
	return migrations, nil
}

// parseName extracts the version and description from a filename like
// V1_2__add_users_table.sql.
func parseName(name string) (Migration, error) {
	matches := regexName.FindStringSubmatch(name)
	if matches == nil {
		return Migration{}, errors.New(
			"name must look like V<version>__<description>.sql")
	}
	if !extensions[strings.ToLower(matches[3])] {
		return Migration{}, errors.Errorf("unsupported extension .%s",
			matches[3])
	}
	v, err := ParseVersion(matches[1])
	if err != nil {
		return Migration{}, err
	}
	desc := strings.TrimSpace(strings.ReplaceAll(matches[2], "_", " "))
	if desc == "" {
		return Migration{}, errors.New("empty description")
	}
	return Migration{Version: v, Description: desc}, nil
}
