// Package trigger submits jobs on recurring schedules (cron or fixed interval).
//
// Triggers only submit: execution, retries and timeouts belong to the jobs
// service. A trigger with SkipIfActive does not submit while its previous job
// is still queued or running.
package trigger
