// Package config provides task configuration for ABX triplet generation.
//
// A TaskConfig names the item database, the on/across/by grouping columns,
// the filters and regressors, sampling and thresholding parameters, and the
// resources (workers, buffers, sort memory, compression) used while writing
// the task artifact.
//
// # Usage
//
//	cfg, err := config.LoadTask("task.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Environment Variable Substitution
//
//	# task.yaml
//	database: ${DATA_DIR}/corpus.item
//	on: phone
//	across: [talker]
//	by: [context]
//	sample: 0.1
//	performance:
//	  workers: 8
//	  sort_memory_mb: 2000
//
// Unset resource settings keep the values of Default. The default sort
// memory is the smaller of 1000 MB and half the memory available at start.
package config
