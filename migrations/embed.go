package main

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedFiles embed.FS

// Migration filename standard: 001_create_events.up.sql / 001_create_events.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// MigrationSet wraps a filesystem of migration files and validates it
	// before any state-changing operation: filenames must follow the naming
	// standard, every up must have a down, the sequence must start at 001
	// with no gaps, and content must not change between validations within
	// one process.
	MigrationSet struct {
		fsys      fs.FS
		checksums map[string]string // filename -> sha256, filled on first Validate
	}

	// migrationFile is one parsed migration filename.
	migrationFile struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewMigrationSet wraps the given filesystem, or the migrations embedded in
// this binary when fsys is nil.
func NewMigrationSet(fsys fs.FS) *MigrationSet {
	if fsys == nil {
		fsys = embeddedFiles
	}

	return &MigrationSet{
		fsys:      fsys,
		checksums: make(map[string]string),
	}
}

// FS exposes the underlying filesystem for the migrate source driver.
func (m *MigrationSet) FS() fs.FS {
	return m.fsys
}

// Files lists the migration files that conform to the naming standard, in
// lexicographic order. Three-digit sequence prefixes make that order the
// application order. Files with nonconforming names are excluded, not
// errors: Validate rejects a set that ends up empty.
func (m *MigrationSet) Files() ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content reads one migration file.
func (m *MigrationSet) Content(filename string) ([]byte, error) {
	return fs.ReadFile(m.fsys, filename)
}

// MaxVersion returns the highest migration sequence number in the set, or 0
// when the set is empty or unreadable.
func (m *MigrationSet) MaxVersion() int {
	files, err := m.Files()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		parsed, err := parseMigrationFilename(filename)
		if err != nil {
			continue
		}

		if parsed.Sequence > maxSequence {
			maxSequence = parsed.Sequence
		}
	}

	return maxSequence
}

// Validate checks the whole set: at least one file, every file readable and
// well named, up/down pairing, a gapless sequence starting at 001, and
// unchanged checksums against any earlier Validate call in this process.
func (m *MigrationSet) Validate() error {
	files, err := m.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := m.Content(file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := m.validatePairing(files); err != nil {
		return err
	}

	if err := m.validateSequence(files); err != nil {
		return err
	}

	if len(m.checksums) > 0 {
		if err := m.validateChecksums(files); err != nil {
			return err
		}
	}

	// Remember content for the next validation round
	for _, file := range files {
		content, err := m.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		m.checksums[file] = checksum(content)
	}

	return nil
}

// parseMigrationFilename splits a filename into sequence, name and direction.
func parseMigrationFilename(filename string) (migrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return migrationFile{}, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return migrationFile{}, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return migrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has its down and vice versa.
// An unpaired file means an apply that cannot be rolled back, which is
// exactly the operational mistake this tool exists to catch early.
func (m *MigrationSet) validatePairing(files []string) error {
	pairs := make(map[string]map[string]bool) // 001_name -> direction -> present

	for _, file := range files {
		parsed, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", parsed.Sequence, parsed.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][parsed.Direction] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 and has no gaps.
func (m *MigrationSet) validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		parsed, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		seen[parsed.Sequence] = true
	}

	var sequences []int

	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1,
				sequences[i],
			)
		}
	}

	return nil
}

// validateChecksums verifies that file content has not changed since the
// previous Validate call.
func (m *MigrationSet) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := m.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s for checksum validation: %w", file, err)
		}

		if stored, exists := m.checksums[file]; exists && checksum(content) != stored {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}
	}

	return nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}
