// Package abxtask generates ABX discrimination tasks from item databases.
//
// An ABX task is a set of item triplets (A, B, X) where A and X share the
// value of the "on" attribute, A and B share the "across" attributes and
// all three share the "by" attributes. Tasks are computed one by-block at
// a time, optionally filtered, sampled and thresholded on regressors, and
// written to an on-disk column store together with the unique (A, X) and
// (B, X) pairs needed downstream.
//
// # Architecture
//
//   - pkg/database loads item files and their auxiliary column files.
//   - pkg/sideop parses filters and regressors and places them at the
//     earliest generation stage whose inputs are known.
//   - pkg/task partitions the database, counts statistics and generates
//     triplets in parallel, one worker per by-block.
//   - pkg/colstore stores fixed-width integer columns in compressed
//     frames and sorts them externally within a memory budget.
//   - pkg/export writes a generated task as Arrow IPC, Parquet or Avro.
//
// # Usage
//
//	cfg := config.Default()
//	cfg.Database = "data.item"
//	cfg.On = "phone"
//	cfg.Across = []string{"talker"}
//	tk, err := task.Load(cfg)
//	if err != nil {
//		return err
//	}
//	res, err := tk.Generate(ctx)
//
// The cmd/abx command exposes the same operations from the shell.
package abxtask
