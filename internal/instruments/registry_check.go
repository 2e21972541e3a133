package instruments

import (
	"database/sql"
	"fmt"
	"strings"
)

// IntegrityChecker validates ongoing instrument-registry health: instruments
// missing an ISIN, duplicate ISINs, malformed ISIN checksums, and holdings
// that reference an instrument id no longer present. Brokerage events are not
// checked for orphaned instrument references.
//
// Adapted from the teacher's one-time migration-031 pre-check (symbol-keyed
// to ISIN-keyed primary key migration, internal/database/validation.go); here
// it runs as a recurring registry-integrity report rather than a one-shot
// migration gate, since this registry is ISIN-aware from the start.
type IntegrityChecker struct {
	db *sql.DB
}

// NewIntegrityChecker builds a checker over the wallet database connection.
func NewIntegrityChecker(db *sql.DB) *IntegrityChecker {
	return &IntegrityChecker{db: db}
}

// Report summarizes the results of a registry integrity pass.
type Report struct {
	MissingISINs       []string // symbols with no ISIN on file
	DuplicateISINs     []string // ISIN values shared by more than one instrument
	ChecksumWarnings   []string // ISINs present but failing the Luhn check digit
	OrphanedReferences []string // "table:column:value" for dangling FKs
}

// IsClean reports whether the registry has no integrity issues at all.
func (r *Report) IsClean() bool {
	return len(r.MissingISINs) == 0 && len(r.DuplicateISINs) == 0 &&
		len(r.ChecksumWarnings) == 0 && len(r.OrphanedReferences) == 0
}

// Check runs all registry-integrity validations and returns a Report.
func (c *IntegrityChecker) Check() (*Report, error) {
	report := &Report{}

	missing, err := c.missingISINs()
	if err != nil {
		return nil, fmt.Errorf("failed to check missing ISINs: %w", err)
	}
	report.MissingISINs = missing

	dupes, err := c.duplicateISINs()
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate ISINs: %w", err)
	}
	report.DuplicateISINs = dupes

	warnings, err := c.checksumWarnings()
	if err != nil {
		return nil, fmt.Errorf("failed to check ISIN checksums: %w", err)
	}
	report.ChecksumWarnings = warnings

	orphans, err := c.orphanedReferences()
	if err != nil {
		return nil, fmt.Errorf("failed to check orphaned references: %w", err)
	}
	report.OrphanedReferences = orphans

	return report, nil
}

func (c *IntegrityChecker) missingISINs() ([]string, error) {
	rows, err := c.db.Query(`SELECT symbol FROM instruments WHERE isin IS NULL OR TRIM(isin) = ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}

func (c *IntegrityChecker) duplicateISINs() ([]string, error) {
	rows, err := c.db.Query(`
		SELECT isin FROM instruments
		WHERE isin IS NOT NULL AND TRIM(isin) != ''
		GROUP BY isin HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			return nil, err
		}
		out = append(out, isin)
	}
	return out, rows.Err()
}

func (c *IntegrityChecker) checksumWarnings() ([]string, error) {
	rows, err := c.db.Query(`SELECT isin FROM instruments WHERE isin IS NOT NULL AND TRIM(isin) != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			return nil, err
		}
		if warning, ok := ValidateISIN(isin); !ok {
			out = append(out, warning)
		}
	}
	return out, rows.Err()
}

func (c *IntegrityChecker) orphanedReferences() ([]string, error) {
	var out []string

	holdingRows, err := c.db.Query(`
		SELECT h.instrument_id FROM holdings h
		LEFT JOIN instruments i ON h.instrument_id = i.id
		WHERE i.id IS NULL
	`)
	if err != nil {
		return nil, err
	}
	for holdingRows.Next() {
		var id int64
		if err := holdingRows.Scan(&id); err != nil {
			holdingRows.Close()
			return nil, err
		}
		out = append(out, fmt.Sprintf("holdings:instrument_id:%d", id))
	}
	holdingRows.Close()

	return out, nil
}

// FormatWarnings renders a human-readable summary of a Report, or a success
// message when the registry is clean.
func (r *Report) FormatWarnings() string {
	if r.IsClean() {
		return "registry integrity check passed"
	}

	var parts []string
	if len(r.MissingISINs) > 0 {
		parts = append(parts, fmt.Sprintf("missing ISINs (%d): %s", len(r.MissingISINs), strings.Join(r.MissingISINs, ", ")))
	}
	if len(r.DuplicateISINs) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate ISINs (%d): %s", len(r.DuplicateISINs), strings.Join(r.DuplicateISINs, ", ")))
	}
	if len(r.ChecksumWarnings) > 0 {
		parts = append(parts, fmt.Sprintf("checksum warnings (%d): %s", len(r.ChecksumWarnings), strings.Join(r.ChecksumWarnings, "; ")))
	}
	if len(r.OrphanedReferences) > 0 {
		parts = append(parts, fmt.Sprintf("orphaned references (%d): %s", len(r.OrphanedReferences), strings.Join(r.OrphanedReferences, ", ")))
	}
	return strings.Join(parts, "\n")
}
