// Package service runs configured jobs as batches.
//
// A Supervisor owns the job list of a model.Config. Every batch runs each
// job once through the supervision core, at most service.parallel jobs at
// a time, and hands a model.BatchReport to the reporters.
//
// Modes:
//   - Oneshot: no schedule configured. Do runs one batch and returns the
//     joined failures of its jobs.
//   - Scheduled: service.schedule holds a cron expression or an ISO8601
//     duration. A gocron scheduler triggers a batch per tick until the
//     context is cancelled. A tick arriving while the previous batch still
//     runs is skipped.
//
// Data flow:
//
//	Supervisor          parallel.Map          process.Process
//	    |  Batch() ---------->|                     |
//	    |                     | runJob(job) ------->| Run(ctx)
//	    |                     |<---- RunResult -----|
//	    |<--- JobReport ------|                     |
//	    | Report(BatchReport) -> WriteReporter / DirReporter
//
// A job skipped by its logfile cache or by a concurrent run holding the
// running marker is reported but never counts as a failure.
package service
