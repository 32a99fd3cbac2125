// Package schedule runs cron-triggered task sequences against servers. The
// cron dialect is minimal: five fields, each either * or an exact integer.
// A background tick scans enabled schedules and executes due ones, one run
// per schedule at a time.
package schedule
