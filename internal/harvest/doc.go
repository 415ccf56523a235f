// Package harvest defines the shared vocabulary of the surf results harvester:
// filter specifications, targets, canonical records, persisted job state, the
// error taxonomy and the interfaces implemented by fetchers, stores and
// publishers.
package harvest
