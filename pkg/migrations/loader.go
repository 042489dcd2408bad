// Package migrations applies the embedded SQL schema migrations.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

// Files returns the migrations shipped with the binary.
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Direction of a migration file.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Migration represents a database migration file.
type Migration struct {
	Version   string
	Name      string
	Direction string
	Path      string
}

// String returns the migration identifier.
func (m Migration) String() string {
	return fmt.Sprintf("%s_%s.%s.sql", m.Version, m.Name, m.Direction)
}

// Load lists the migrations of one direction in fsys, sorted by version.
// Files not named <version>_<name>.<direction>.sql are skipped.
func Load(fsys fs.FS, direction string) ([]Migration, error) {
	suffix := fmt.Sprintf(".%s.sql", direction)
	var migrations []Migration

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}

		// 000001_scan_jobs.up.sql -> version=000001, name=scan_jobs
		base := strings.TrimSuffix(d.Name(), suffix)
		parts := strings.SplitN(base, "_", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil
		}

		migrations = append(migrations, Migration{
			Version:   parts[0],
			Name:      parts[1],
			Direction: direction,
			Path:      path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Versions returns the versions of a migration list.
func Versions(migrations []Migration) []string {
	versions := make([]string, len(migrations))
	for i, m := range migrations {
		versions[i] = m.Version
	}
	return versions
}
