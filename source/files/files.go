package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/root-talis/shinka/migration"
	"github.com/root-talis/shinka/source"
	"github.com/root-talis/shinka/source/script"
)

const (
	DefaultExtension = ".sql"
	rollbackName     = "rollback"
)

var ErrMigrationsDirectoryIsNotADirectory = errors.New("migrations directory is not a directory")

type Option func(*filesSource)

// WithExtension changes the extension of script files (".sql" by default).
func WithExtension(ext string) Option {
	return func(s *filesSource) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if ext != "" {
			s.ext = ext
		}
	}
}

type filesSource struct {
	fs        fs.FS
	directory string
	ext       string
}

// NewFilesSource reads migrations from directory of fsys. File names follow
// the pattern <version>_<name><ext>; <version>_rollback<ext> holds the
// rollback script of the unit with the same version.
func NewFilesSource(fsys fs.FS, directory string, opts ...Option) (source.Source, error) {
	stat, err := fs.Stat(fsys, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	s := &filesSource{
		fs:        fsys,
		directory: directory,
		ext:       DefaultExtension,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ---

func (s *filesSource) Scan() ([]migration.Unit, error) {
	dirEntries, err := fs.ReadDir(s.fs, s.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	units := make(map[migration.Version]*migration.Unit)
	rollbacks := make(map[migration.Version]*migration.Script)

	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		fileName := entry.Name()
		if !strings.HasSuffix(fileName, s.ext) {
			continue
		}

		version, name, err := parseFileName(strings.TrimSuffix(fileName, s.ext))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", source.ErrMalformedName, fileName, err)
		}

		content, err := fs.ReadFile(s.fs, path.Join(s.directory, fileName))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		parsed, err := script.Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration file %s: %w", fileName, err)
		}

		scr := migration.Script{
			Name:       fileName,
			Atomic:     parsed.Atomic,
			Statements: parsed.Statements,
			Checksum:   checksum(content),
		}

		if name == rollbackName {
			rollbacks[version] = &scr
			continue
		}

		if existing, ok := units[version]; ok {
			if existing.Checksum == scr.Checksum {
				continue
			}
			return nil, fmt.Errorf("%w: %s and %s both declare version %s",
				migration.ErrDuplicateVersion, existing.Name, fileName, version)
		}

		description := parsed.Description
		if description == "" {
			description = strings.ReplaceAll(name, "_", " ")
		}

		units[version] = &migration.Unit{
			Script:      scr,
			Version:     version,
			Description: description,
			DependsOn:   parsed.DependsOn,
		}
	}

	for version, rollback := range rollbacks {
		unit, ok := units[version]
		if !ok {
			return nil, fmt.Errorf("%w: %s", source.ErrOrphanRollback, rollback.Name)
		}
		unit.Rollback = rollback
	}

	result := make([]migration.Unit, 0, len(units))
	for _, unit := range units {
		result = append(result, *unit)
	}

	migration.SortUnits(result)

	return result, nil
}

func parseFileName(base string) (migration.Version, string, error) {
	rawVersion, name, found := strings.Cut(base, "_")
	if !found {
		return "", "", errors.New("missing an underscore after version")
	}

	version, err := migration.ParseVersion(rawVersion)
	if err != nil {
		return "", "", err
	}

	if name == "" {
		return "", "", errors.New("missing a name after version")
	}

	return version, name, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
