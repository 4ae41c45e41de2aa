// Package licenses provides embedded third-party license information.
package licenses

import _ "embed"

// LicensesCSV contains the CSV report of all dependencies with their license types.
//
//go:embed licenses.csv
var LicensesCSV []byte
