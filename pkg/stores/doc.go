// Package stores provides the SQLite ledger behind pie: runs, step results,
// events, registered OAuth applications, and an audit trail. Schema changes
// ship as embedded golang-migrate migrations.
package stores
