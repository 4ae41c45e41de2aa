package licenses

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
)

// License represents a third-party dependency's license information.
type License struct {
	Package string // Full package path (e.g., "github.com/spf13/cobra")
	URL     string // URL to the license file
	Type    string // License type (e.g., "MIT", "BSD-3-Clause")
}

// List returns all third-party licenses parsed from the embedded CSV.
func List() ([]License, error) {
	reader := csv.NewReader(strings.NewReader(string(LicensesCSV)))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse licenses CSV: %w", err)
	}

	licenses := make([]License, 0, len(records))
	for _, record := range records {
		if len(record) < 3 {
			continue
		}
		licenses = append(licenses, License{
			Package: record[0],
			URL:     record[1],
			Type:    record[2],
		})
	}

	// Sort by package name for consistent output
	sort.Slice(licenses, func(i, j int) bool {
		return licenses[i].Package < licenses[j].Package
	})

	return licenses, nil
}

// Count returns the number of third-party dependencies.
func Count() int {
	licenses, err := List()
	if err != nil {
		return 0
	}
	return len(licenses)
}

// LicenseTypes returns a map of license types to their counts.
func LicenseTypes() map[string]int {
	licenses, err := List()
	if err != nil {
		return nil
	}

	types := make(map[string]int)
	for _, lic := range licenses {
		types[lic.Type]++
	}
	return types
}
