// Package storage persists reminders, workflows, notes and chat history in SQLite.
//
// Every timestamp is written in one canonical form: UTC, RFC3339 with a fixed
// nine-digit fraction. Fixed width keeps lexicographic order equal to time order,
// so due-time comparisons can run in SQL.
package storage
