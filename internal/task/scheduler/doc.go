// Package scheduler registers cron and interval triggers.
//
// It only decides when; every trigger enqueues a task into the task engine,
// which owns execution, timeouts, retries and overlap gating.
package scheduler
