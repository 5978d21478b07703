// Package scheduler triggers named jobs on cron or interval schedules.
//
// Runs of the same job never overlap: a trigger that fires while the previous
// run is still in flight is skipped and counted. Stop cancels the context of
// running jobs and waits for them to return.
package scheduler
