// Package engine executes experiments. It expands an experiment config into
// a matrix of runs, executes them against backends resolved by name, either
// concurrently or in order, aggregates the outcomes, and drives the
// experiment's pending -> running -> completed/failed lifecycle in the store.
//
// A single run failing never fails the experiment. Only errors outside any
// run's handling do.
package engine
